package runner

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestDoBlockWrapper_MatchesFixedTagAndDeclares(t *testing.T) {
	body := "PERFORM pg_sleep(0)"
	doBlock := fmt.Sprintf(`DO %[1]s
DECLARE
  job       bigint                    := %[2]d;
  next_date timestamp with time zone  := current_timestamp;
  broken    boolean                   := false;
BEGIN
  %[3]s
END;
%[1]s;`, doBlockTag, 7, body)

	if !strings.HasPrefix(doBlock, "DO $pg_dbms_job$") {
		t.Fatalf("expected fixed opening tag, got: %s", doBlock)
	}
	if !strings.HasSuffix(strings.TrimSpace(doBlock), "$pg_dbms_job$;") {
		t.Fatalf("expected fixed closing tag, got: %s", doBlock)
	}
	if !strings.Contains(doBlock, "job       bigint                    := 7;") {
		t.Fatalf("expected job variable declared with claimed id, got: %s", doBlock)
	}
	if !strings.Contains(doBlock, body) {
		t.Fatalf("expected job body embedded verbatim, got: %s", doBlock)
	}
}

func TestErrorCodeFrom(t *testing.T) {
	if got := errorCodeFrom(""); got != nil {
		t.Fatalf("expected nil for empty sqlstate, got %v", *got)
	}
	if got := errorCodeFrom("P0001"); got != nil {
		t.Fatalf("expected nil for alphanumeric sqlstate, got %v", *got)
	}
	got := errorCodeFrom("23505")
	if got == nil || *got != 23505 {
		t.Fatalf("expected 23505 for all-digit sqlstate, got %v", got)
	}
}

func TestClassifyPgError_ExtractsCodeAndMessage(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "P0001", Message: "boom"}
	code, text := classifyPgError(pgErr)
	if code != "P0001" || text != "boom" {
		t.Fatalf("expected (P0001, boom), got (%s, %s)", code, text)
	}

	wrapped := fmt.Errorf("exec failed: %w", pgErr)
	code, text = classifyPgError(wrapped)
	if code != "P0001" || text != "boom" {
		t.Fatalf("expected unwrapped (P0001, boom), got (%s, %s)", code, text)
	}

	plain := errors.New("connection reset")
	code, text = classifyPgError(plain)
	if code != "" || text != "connection reset" {
		t.Fatalf("expected empty code for non-pg error, got (%s, %s)", code, text)
	}
}

func TestSyntheticSlavePID_StableAndNonNegative(t *testing.T) {
	a := SyntheticSlavePID("pg_dbms_job:scheduled:11:uuid-a")
	b := SyntheticSlavePID("pg_dbms_job:scheduled:11:uuid-a")
	c := SyntheticSlavePID("pg_dbms_job:scheduled:11:uuid-b")

	if a != b {
		t.Fatalf("expected deterministic hash, got %d and %d", a, b)
	}
	if a == c {
		t.Fatalf("expected different app names to hash differently")
	}
	if a < 0 {
		t.Fatalf("expected non-negative slave_pid, got %d", a)
	}
}
