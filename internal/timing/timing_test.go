package timing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeRow struct {
	value float64
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*float64) = r.value
	return nil
}

type fakeDB struct {
	execArgs []any
	row      fakeRow
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execArgs = args
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return f.row
}

func TestRecord(t *testing.T) {
	db := &fakeDB{}
	r := NewRecorder(db)

	if err := r.Record(context.Background(), "extract", 0, 1500*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if db.execArgs[0] != "extract" || db.execArgs[1] != int32(1) || db.execArgs[2] != int64(1500) {
		t.Errorf("unexpected insert args %v", db.execArgs)
	}
}

func TestPredict(t *testing.T) {
	tests := []struct {
		name    string
		row     fakeRow
		amount  int
		want    time.Duration
		wantErr bool
	}{
		{"scaled by amount", fakeRow{value: 200}, 5, time.Second, false},
		{"no history", fakeRow{err: pgx.ErrNoRows}, 5, 0, false},
		{"query error", fakeRow{err: errors.New("down")}, 5, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRecorder(&fakeDB{row: tt.row})
			got, err := r.Predict(context.Background(), "extract", tt.amount)
			if (err != nil) != tt.wantErr {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
