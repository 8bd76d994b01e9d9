package organization

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	orgA = "7b0c2f3e-5d9a-4a61-9f7e-2b8d1c6e4a10"
	orgB = "c41f8a22-0e6b-4d3f-8a95-61f0d2b7e3c9"
)

func writeSettings(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestFileSystemRepository_LoadAndGet(t *testing.T) {
	dir := t.TempDir()
	writeSettings(t, dir, "acme.yaml", `
id: "`+orgA+`"
aggregation_backend: "clickhouse"
live_aggregation: true
timezone: "Europe/Paris"
`)
	writeSettings(t, dir, "globex.yml", `
id: "`+orgB+`"
`)
	writeSettings(t, dir, "empty.yaml", "# nothing here\n")
	writeSettings(t, dir, "README.md", "ignored")

	repo, err := NewFileSystemRepository(dir)
	require.NoError(t, err)

	all, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)

	acme, err := repo.Get(context.Background(), orgA)
	require.NoError(t, err)
	require.Equal(t, BackendClickhouse, acme.AggregationBackend)
	require.True(t, acme.LiveAggregation)
	require.Equal(t, "Europe/Paris", acme.Timezone)

	globex, err := repo.Get(context.Background(), orgB)
	require.NoError(t, err)
	require.Equal(t, BackendPostgres, globex.AggregationBackend, "backend defaults to the row store")
	require.False(t, globex.LiveAggregation)

	_, err = repo.Get(context.Background(), "2f9e6a58-0000-4000-8000-000000000000")
	require.ErrorContains(t, err, "not found")
}

func TestFileSystemRepository_MissingDirIsEmpty(t *testing.T) {
	repo, err := NewFileSystemRepository(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)

	all, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestFileSystemRepository_RejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "non uuid id",
			content: "id: \"acme\"\n",
			wantErr: "is not a UUID",
		},
		{
			name:    "unknown backend",
			content: "id: \"" + orgA + "\"\naggregation_backend: \"druid\"\n",
			wantErr: "unsupported aggregation_backend",
		},
		{
			name:    "bad timezone",
			content: "id: \"" + orgA + "\"\ntimezone: \"Mars/Olympus\"\n",
			wantErr: "invalid timezone",
		},
		{
			name:    "malformed yaml",
			content: "id: [\n",
			wantErr: "parsing settings file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeSettings(t, dir, "org.yaml", tt.content)

			_, err := NewFileSystemRepository(dir)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestFileSystemRepository_RejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	writeSettings(t, dir, "a.yaml", "id: \""+orgA+"\"\n")
	writeSettings(t, dir, "b.yaml", "id: \""+orgA+"\"\n")

	_, err := NewFileSystemRepository(dir)
	require.ErrorContains(t, err, "duplicate settings")
}

func TestFileSystemRepository_PathIsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orgs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("id: x"), 0o644))

	_, err := NewFileSystemRepository(path)
	require.ErrorContains(t, err, "is not a directory")
}

func TestBackend(t *testing.T) {
	require.True(t, BackendPostgres.Valid())
	require.False(t, BackendPostgres.Columnar())
	require.True(t, BackendClickhouseRaw.Columnar())
	require.True(t, BackendClickhouse.Columnar())
	require.False(t, Backend("sqlite").Valid())
}

func TestInMemoryRepository(t *testing.T) {
	repo := NewInMemoryRepository(Settings{ID: orgA})

	s, err := repo.Get(context.Background(), orgA)
	require.NoError(t, err)
	require.Equal(t, BackendPostgres, s.AggregationBackend)

	_, err = repo.Get(context.Background(), orgB)
	require.Error(t, err)
}

func TestRepositories_GetIgnoresIDCase(t *testing.T) {
	dir := t.TempDir()
	writeSettings(t, dir, "acme.yaml", `id: "`+strings.ToUpper(orgA)+`"`)

	fsRepo, err := NewFileSystemRepository(dir)
	require.NoError(t, err)
	memRepo := NewInMemoryRepository(Settings{ID: strings.ToUpper(orgA)})

	for name, repo := range map[string]Repository{"filesystem": fsRepo, "in-memory": memRepo} {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{orgA, strings.ToUpper(orgA)} {
				s, err := repo.Get(context.Background(), id)
				require.NoError(t, err, id)
				require.Equal(t, BackendPostgres, s.AggregationBackend)
			}
		})
	}
}
