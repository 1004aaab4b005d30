package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	gormlogger "gorm.io/gorm/logger"
)

func TestTxOptionsDefaultsToServerIsolation(t *testing.T) {
	t.Parallel()

	if got := (TxOptions{}).txOptions(); got != nil {
		t.Fatalf("zero options should defer to the server, got %+v", got)
	}
	got := TxOptions{Isolation: sql.LevelSerializable}.txOptions()
	if got == nil || got.Isolation != sql.LevelSerializable || got.ReadOnly {
		t.Fatalf("unexpected tx options: %+v", got)
	}
}

func TestGormLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level string
		env   string
		want  gormlogger.LogLevel
	}{
		{level: "debug", env: "production", want: gormlogger.Info},
		{level: " INFO ", env: "production", want: gormlogger.Warn},
		{level: "error", env: "local", want: gormlogger.Error},
		{level: "disabled", env: "local", want: gormlogger.Silent},
		{level: "verbose", env: "local", want: gormlogger.Warn},
		{level: "verbose", env: "production", want: gormlogger.Error},
	}
	for _, tc := range tests {
		if got := gormLogLevel(tc.level, tc.env); got != tc.want {
			t.Fatalf("gormLogLevel(%q, %q) = %v, want %v", tc.level, tc.env, got, tc.want)
		}
	}
}

func TestUninitializedPoolFailsFast(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var nilPool *Pool
	if err := nilPool.Ping(ctx); !errors.Is(err, errPoolClosed) {
		t.Fatalf("expected closed pool error from Ping, got %v", err)
	}
	if _, err := nilPool.BeginTx(ctx, TxOptions{}); !errors.Is(err, errPoolClosed) {
		t.Fatalf("expected closed pool error from BeginTx, got %v", err)
	}
	if err := nilPool.WithTx(ctx, TxOptions{}, func(Tx) error { return nil }); !errors.Is(err, errPoolClosed) {
		t.Fatalf("expected closed pool error from WithTx, got %v", err)
	}
	if stats := nilPool.Stats(); stats != (PoolStats{}) {
		t.Fatalf("expected empty stats, got %+v", stats)
	}

	empty := &Pool{}
	var id string
	if err := empty.QueryRow(ctx, "SELECT 1").Scan(&id); !errors.Is(err, errPoolClosed) {
		t.Fatalf("expected deferred closed pool error, got %v", err)
	}
	if _, err := empty.Exec(ctx, "SELECT 1"); !errors.Is(err, errPoolClosed) {
		t.Fatalf("expected closed pool error from Exec, got %v", err)
	}
	if !IsNoRows((*Row)(nil).Scan(&id)) {
		t.Fatalf("nil row should report no rows")
	}
}

func TestMigrationStepsOrder(t *testing.T) {
	t.Parallel()

	steps := migrationSteps()
	want := []string{"create schema", "auto-migrate models", "indexes"}
	if len(steps) != len(want) {
		t.Fatalf("unexpected step count: %d", len(steps))
	}
	for i, step := range steps {
		if step.name != want[i] {
			t.Fatalf("step %d = %q, want %q", i, step.name, want[i])
		}
	}
	if err := execSQL("  \n")(nil); err != nil {
		t.Fatalf("blank script should be a no-op, got %v", err)
	}
}
