//go:build integration

package execlog

import (
	"testing"

	"github.com/cadenza-automation/cadenza/internal/core/db/dbtest"
)

func TestSQLLog_Postgres(t *testing.T) {
	q := dbtest.Postgres(t)
	runContract(t, func(t *testing.T) Log {
		dbtest.Reset(t, q)
		return NewSQLLog(q)
	})
}
