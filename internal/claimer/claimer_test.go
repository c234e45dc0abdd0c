package claimer

import (
	"strings"
	"testing"

	"github.com/pgdbmsjob/pgdbmsjobd/internal/model"
)

type fakeRow struct {
	id         int64
	what       string
	logUser    *string
	schemaUser *string
}

func (r fakeRow) Scan(dest ...any) error {
	*dest[0].(*int64) = r.id
	*dest[1].(*string) = r.what
	*dest[2].(**string) = r.logUser
	*dest[3].(**string) = r.schemaUser
	return nil
}

func TestScanJob(t *testing.T) {
	logUser := "reporting"
	row := fakeRow{id: 42, what: "PERFORM 1", logUser: &logUser, schemaUser: nil}

	job, err := scanJob(row, model.KindScheduled)
	if err != nil {
		t.Fatalf("scanJob: %v", err)
	}
	if job.ID != 42 || job.What != "PERFORM 1" || job.Kind != model.KindScheduled {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.LogUser == nil || *job.LogUser != "reporting" {
		t.Fatalf("expected log_user to round-trip, got %+v", job.LogUser)
	}
	if job.SchemaUser != nil {
		t.Fatalf("expected nil schema_user, got %v", *job.SchemaUser)
	}
}

// The claim statements are a verbatim part of the external database
// contract — this guards against accidental wording drift.
func TestClaimStatements_MatchContractColumns(t *testing.T) {
	for _, sql := range []string{scheduledClaimSQL, asyncClaimAsyncTableSQL, asyncClaimOneShotScheduledSQL} {
		if !strings.Contains(sql, "RETURNING job, what, log_user, schema_user") {
			t.Fatalf("claim statement missing expected RETURNING clause: %s", sql)
		}
	}
	if !strings.Contains(scheduledClaimSQL, "next_date = get_next_date(interval)") {
		t.Fatal("scheduled claim must advance next_date via get_next_date(interval)")
	}
	if !strings.Contains(scheduledClaimSQL, "instance  = instance + 1") {
		t.Fatal("scheduled claim must increment instance")
	}
	if !strings.Contains(asyncClaimOneShotScheduledSQL, "interval IS NULL") {
		t.Fatal("one-shot scheduled claim must restrict to null interval")
	}
}
