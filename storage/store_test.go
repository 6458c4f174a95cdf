package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"car-sales-pipeline/models"
)

func sampleSummary() *models.Table {
	t := models.NewTable(
		models.Column{Name: "state", Kind: models.KindString},
		models.Column{Name: "total_sales", Kind: models.KindInt},
		models.Column{Name: "avg_price", Kind: models.KindFloat},
	)
	t.Append("ca", int64(12), 15250.5)
	t.Append("fl", int64(9), nil)
	t.Append(nil, int64(1), 700.0)
	return t
}

// runStoreContract exercises the behaviour every Store backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("load missing dataset", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Load(ctx, "nope")
		require.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("overwrite round trip", func(t *testing.T) {
		s := newStore(t)
		want := sampleSummary()
		require.NoError(t, s.Save(ctx, "total_sales_by_state", want, Overwrite))

		got, err := s.Load(ctx, "total_sales_by_state")
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("overwrite replaces", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, "ds", sampleSummary(), Overwrite))

		small := models.NewTable(models.Column{Name: "make", Kind: models.KindString})
		small.Append("Kia")
		require.NoError(t, s.Save(ctx, "ds", small, Overwrite))

		got, err := s.Load(ctx, "ds")
		require.NoError(t, err)
		assert.Equal(t, []string{"make"}, got.Names())
		assert.Equal(t, 1, got.Len())
	})

	t.Run("append creates then extends", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, "ds", sampleSummary(), Append))
		require.NoError(t, s.Save(ctx, "ds", sampleSummary(), Append))

		got, err := s.Load(ctx, "ds")
		require.NoError(t, err)
		assert.Equal(t, 6, got.Len())
		assert.Equal(t, "ca", got.Rows[3][0])
	})

	t.Run("append with other columns", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, "ds", sampleSummary(), Overwrite))
		other := models.NewTable(models.Column{Name: "make", Kind: models.KindString})
		err := s.Save(ctx, "ds", other, Append)
		require.ErrorIs(t, err, models.ErrSchemaMismatch)
	})

	t.Run("invalid name", func(t *testing.T) {
		s := newStore(t)
		err := s.Save(ctx, "drop table;", sampleSummary(), Overwrite)
		require.ErrorIs(t, err, models.ErrInvalidName)
	})

	t.Run("list", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, "b_ds", sampleSummary(), Overwrite))
		require.NoError(t, s.Save(ctx, "a_ds", sampleSummary(), Overwrite))
		names, err := s.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a_ds", "b_ds"}, names)
	})

	t.Run("concurrent saves on different names", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- s.Save(ctx, fmt.Sprintf("summary_%d", i), sampleSummary(), Overwrite)
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		names, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, names, 8)
	})

	t.Run("readers never see a partial overwrite", func(t *testing.T) {
		s := newStore(t)
		big := models.NewTable(models.Column{Name: "n", Kind: models.KindInt})
		for i := 0; i < 500; i++ {
			big.Append(int64(i))
		}
		require.NoError(t, s.Save(ctx, "ds", big, Overwrite))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				assert.NoError(t, s.Save(ctx, "ds", big, Overwrite))
			}
		}()
		for i := 0; i < 20; i++ {
			got, err := s.Load(ctx, "ds")
			require.NoError(t, err)
			assert.Equal(t, 500, got.Len())
		}
		wg.Wait()
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStoreCopiesTables(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	in := sampleSummary()
	require.NoError(t, s.Save(ctx, "ds", in, Overwrite))
	in.Rows[0][0] = "mutated"

	out, err := s.Load(ctx, "ds")
	require.NoError(t, err)
	assert.Equal(t, "ca", out.Rows[0][0])
}

func TestCSVStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s, err := NewCSVStore(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestCSVStoreReadsPlainHeaders(t *testing.T) {
	dir := t.TempDir()
	raw := "\ufeffvin,year,sellingprice\nABC123,2015,5000\nXYZ9,,\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "car_info.csv"), []byte(raw), 0644))

	s, err := NewCSVStore(dir)
	require.NoError(t, err)
	got, err := s.Load(context.Background(), "car_info")
	require.NoError(t, err)

	assert.Equal(t, []string{"vin", "year", "sellingprice"}, got.Names())
	assert.Equal(t, models.KindString, got.Columns[1].Kind)
	assert.Equal(t, models.Row{"ABC123", "2015", "5000"}, got.Rows[0])
	assert.Equal(t, models.Row{"XYZ9", nil, nil}, got.Rows[1])
}

func TestCSVStoreRejectsBadTypedCell(t *testing.T) {
	dir := t.TempDir()
	raw := "year:int\nnineteen\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.csv"), []byte(raw), 0644))

	s, err := NewCSVStore(dir)
	require.NoError(t, err)
	_, err = s.Load(context.Background(), "bad")
	require.ErrorIs(t, err, models.ErrTypeMismatch)
}

func TestCSVStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewCSVStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), "ds", sampleSummary(), Overwrite))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ds.csv", entries[0].Name())
}

// runExternalTable loads and appends to a table created outside the store,
// which has no ordinal column.
func runExternalTable(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	d := s.dialect
	create := fmt.Sprintf("CREATE TABLE car_info (vin %s, year %s, sellingprice %s)",
		d.Types[models.KindString], d.Types[models.KindInt], d.Types[models.KindFloat])
	_, err := s.db.ExecContext(ctx, create)
	require.NoError(t, err)
	insert := fmt.Sprintf("INSERT INTO car_info (vin, year, sellingprice) VALUES (%s, %s, %s)",
		d.Placeholder(1), d.Placeholder(2), d.Placeholder(3))
	_, err = s.db.ExecContext(ctx, insert, "5xyktca69fg566472", int64(2015), 21500.0)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, insert, "wba3c1c51ek116351", nil, nil)
	require.NoError(t, err)

	got, err := s.Load(ctx, "car_info")
	require.NoError(t, err)
	assert.Equal(t, []string{"vin", "year", "sellingprice"}, got.Names())
	require.Equal(t, 2, got.Len())
	assert.ElementsMatch(t, []models.Row{
		{"5xyktca69fg566472", int64(2015), 21500.0},
		{"wba3c1c51ek116351", nil, nil},
	}, got.Rows)

	more := models.NewTable(
		models.Column{Name: "vin", Kind: models.KindString},
		models.Column{Name: "year", Kind: models.KindInt},
		models.Column{Name: "sellingprice", Kind: models.KindFloat},
	)
	more.Append("1n4al3ap1en227581", int64(2014), 12000.0)
	require.NoError(t, s.Save(ctx, "car_info", more, Append))

	got, err = s.Load(ctx, "car_info")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Len())

	require.NoError(t, s.Save(ctx, "car_info", more, Overwrite))
	got, err = s.Load(ctx, "car_info")
	require.NoError(t, err)
	if diff := cmp.Diff(more, got); diff != "" {
		t.Errorf("overwritten table mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLiteStoreExternalTable(t *testing.T) {
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "carsales.db"), nil)
	require.NoError(t, err)
	defer s.Close()
	runExternalTable(t, s)
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "carsales.db"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("CARSALES_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CARSALES_TEST_POSTGRES_DSN not set")
	}
	runStoreContract(t, func(t *testing.T) Store {
		s, err := NewPostgresStore(context.Background(), dsn, nil)
		require.NoError(t, err)
		names, err := s.List(context.Background())
		require.NoError(t, err)
		for _, n := range names {
			_, err := s.db.Exec("DROP TABLE IF EXISTS " + quoteIdent(n))
			require.NoError(t, err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestPostgresStoreExternalTable(t *testing.T) {
	dsn := os.Getenv("CARSALES_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CARSALES_TEST_POSTGRES_DSN not set")
	}
	s, err := NewPostgresStore(context.Background(), dsn, nil)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.db.Exec("DROP TABLE IF EXISTS car_info")
	require.NoError(t, err)
	runExternalTable(t, s)
}
