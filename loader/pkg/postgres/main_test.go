package postgres_test

import (
	"context"
	"os"
	"testing"

	postgrestesting "github.com/malbeclabs/lakeetl/loader/pkg/postgres/testing"
	laketesting "github.com/malbeclabs/lakeetl/utils/pkg/testing"
)

var sharedDB *postgrestesting.DB

func TestMain(m *testing.M) {
	log := laketesting.NewLogger()
	var err error
	sharedDB, err = postgrestesting.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to create shared Postgres DB", "error", err)
		os.Exit(1)
	}
	code := m.Run()
	sharedDB.Close()
	os.Exit(code)
}
