package migrations

import (
	"embed"
	"io/fs"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	tests := []struct {
		name  string
		files embed.FS
		dir   string
		want  int
	}{
		{"postgres", PostgresFiles, "postgres", 1},
		{"clickhouse", ClickHouseFiles, "clickhouse", 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := fs.ReadDir(tt.files, tt.dir)
			require.NoError(t, err)

			ups, downs := 0, 0
			for _, e := range entries {
				switch {
				case strings.HasSuffix(e.Name(), ".up.sql"):
					ups++
				case strings.HasSuffix(e.Name(), ".down.sql"):
					downs++
				}
			}
			require.Equal(t, tt.want, ups)
			require.Equal(t, ups, downs)

			src, err := iofs.New(tt.files, tt.dir)
			require.NoError(t, err)
			defer src.Close()

			first, err := src.First()
			require.NoError(t, err)
			require.Equal(t, uint(1), first)
		})
	}
}

func TestClickHouseMigrationsAreSingleStatement(t *testing.T) {
	entries, err := fs.ReadDir(ClickHouseFiles, "clickhouse")
	require.NoError(t, err)

	for _, e := range entries {
		body, err := fs.ReadFile(ClickHouseFiles, "clickhouse/"+e.Name())
		require.NoError(t, err)
		require.NotContains(t, strings.TrimSpace(string(body)), ";", e.Name())
	}
}
