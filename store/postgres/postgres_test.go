package postgres

import (
	"errors"
	"testing"
)

func TestIsUniqueViolationMatchesSQLState23505(t *testing.T) {
	err := errors.New(`ERROR: duplicate key value violates unique constraint "work_items_sub_block_event_uq" (SQLSTATE 23505)`)
	if !isUniqueViolation(err) {
		t.Error("expected SQLSTATE 23505 error to be classified as a unique violation")
	}
}

func TestIsUniqueViolationRejectsOtherErrors(t *testing.T) {
	err := errors.New(`ERROR: connection refused`)
	if isUniqueViolation(err) {
		t.Error("expected unrelated error not to be classified as a unique violation")
	}
}
