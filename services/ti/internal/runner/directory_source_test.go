package runner

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/config"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/logger"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/archive"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/checkpoint"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/ioc"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/reconcile"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/search"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/sink"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/translate"
)

type archiveEntry struct {
	name string
	body []byte
}

func writeArchive(t *testing.T, dir, name string, mtime time.Time, entries ...archiveEntry) {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: e.name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(e.body))}))
		_, err := tw.Write(e.body)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var docs []map[string]interface{}
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var doc map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &doc))
		docs = append(docs, doc)
	}
	return docs
}

type dirFixture struct {
	dir    string
	cp     *checkpoint.Memory
	out    *bytes.Buffer
	source *DirectorySource
}

func newDirFixture(t *testing.T, opts ...DirectoryOption) *dirFixture {
	dir := t.TempDir()
	cfg := config.DirectoryConfig{Name: "archives", Path: dir}
	cp := checkpoint.NewMemory()
	out := &bytes.Buffer{}

	tr := translate.New(translate.NewSplunkBackend(0, ""), logger.Discard(),
		translate.WithCollectIndex("sekoia-io-matches"),
		translate.WithClock(func() time.Time { return testNow }))
	scanner := archive.NewScanner(dir, cfg.CheckpointKey(), cp, logger.Discard())

	return &dirFixture{
		dir:    dir,
		cp:     cp,
		out:    out,
		source: NewDirectorySource(cfg.Name, scanner, tr, sink.NewWriterSink(out), nil, logger.Discard(), opts...),
	}
}

func TestDirectorySourceEmitsTranslatedDocuments(t *testing.T) {
	f := newDirFixture(t)
	writeArchive(t, f.dir, "batch-1.tar.gz", testNow.Add(-time.Hour),
		archiveEntry{"indicators/a.json", indicatorDoc("indicator--a", "[ipv4-addr:value = '1.2.3.4']")},
		archiveEntry{"indicators/b.json", []byte(`{"type":"malware","id":"malware--b"}`)},
		archiveEntry{"indicators/c.json", indicatorDoc("indicator--c", "[file:hashes.'SHA-256' = 'abc']")},
	)

	res, err := f.source.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dir:archives", f.source.Name())
	assert.Equal(t, 3, res.Entries)
	assert.Equal(t, 2, res.Indicators)
	assert.Zero(t, res.Invalid)
	assert.Nil(t, res.Summary)

	docs := decodeLines(t, f.out)
	require.Len(t, docs, 2)
	assert.Equal(t, "indicator--a", docs[0]["id"])
	assert.Equal(t, "indicators/a.json", docs[0]["file_path"])
	assert.Equal(t, filepath.Join(f.dir, "batch-1.tar.gz"), docs[0]["archive_path"])

	query, _ := docs[0][sink.QueryField].(string)
	assert.True(t, strings.HasPrefix(query, "search "), query)
	assert.Contains(t, query, `"1.2.3.4"`)
	assert.True(t, strings.HasSuffix(query, " | collect index='sekoia-io-matches'"), query)
	assert.Contains(t, docs[1][sink.QueryField], "abc")
}

func TestDirectorySourceOnlyReadsNewEntries(t *testing.T) {
	ctx := context.Background()
	f := newDirFixture(t)
	writeArchive(t, f.dir, "batch-1.tar.gz", testNow.Add(-2*time.Hour),
		archiveEntry{"a.json", indicatorDoc("indicator--a", "[domain-name:value = 'evil.example']")},
	)

	_, err := f.source.Run(ctx)
	require.NoError(t, err)
	require.Len(t, decodeLines(t, f.out), 1)

	res, err := f.source.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Entries)
	assert.Empty(t, decodeLines(t, f.out))

	writeArchive(t, f.dir, "batch-2.tar.gz", testNow.Add(-time.Hour),
		archiveEntry{"b.json", indicatorDoc("indicator--b", "[url:value = 'http://evil.example/x']")},
	)
	res, err = f.source.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Entries)
	docs := decodeLines(t, f.out)
	require.Len(t, docs, 1)
	assert.Equal(t, "indicator--b", docs[0]["id"])
}

func TestDirectorySourceKeepsUntranslatableIndicators(t *testing.T) {
	f := newDirFixture(t)
	writeArchive(t, f.dir, "batch.tar.gz", testNow,
		archiveEntry{"a.json", indicatorDoc("indicator--a", "[file:hashes[*] = 'x']")},
		archiveEntry{"b.json", []byte(`{"type":"indicator","id":"indicator--b"}`)},
	)

	res, err := f.source.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Indicators)
	assert.Equal(t, 1, res.Invalid)

	docs := decodeLines(t, f.out)
	require.Len(t, docs, 1)
	assert.Equal(t, "indicator--a", docs[0]["id"])
	assert.NotContains(t, docs[0], sink.QueryField)
}

func TestDirectorySourceReconciles(t *testing.T) {
	store := ioc.NewMemoryStore(logger.Discard())
	engine := reconcile.NewEngine(store, ioc.NewMapper(config.DefaultServerRootURL, logger.Discard()),
		logger.Discard(), reconcile.WithClock(func() time.Time { return testNow }))
	f := newDirFixture(t, WithReconcile(engine))
	writeArchive(t, f.dir, "batch.tar.gz", testNow,
		archiveEntry{"a.json", indicatorDoc("indicator--a", "[ipv4-addr:value = '1.2.3.4']")},
		archiveEntry{"b.json", indicatorDoc("indicator--b", "[domain-name:value = 'Evil.Example']")},
	)

	res, err := f.source.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Summary)
	assert.Equal(t, 2, res.Summary.Upserted)

	rec, ok := store.Get(ioc.CollectionName("", ioc.TypeDomain), "evil.example")
	require.True(t, ok)
	assert.Equal(t, "indicator--b", rec.IndicatorID)
	assert.Equal(t, 1, store.Count(ioc.CollectionName("", ioc.TypeIPv4)))
}

type recordingJobs struct {
	queries []string
	records int
}

func (c *recordingJobs) CreateJob(_ context.Context, query string, _ map[string]string) (string, error) {
	c.queries = append(c.queries, query)
	return fmt.Sprintf("sid-%d", len(c.queries)), nil
}

func (c *recordingJobs) CollectionExists(context.Context, string) (bool, error) { return true, nil }

func (c *recordingJobs) CreateCollection(context.Context, string) error { return nil }

func (c *recordingJobs) Insert(context.Context, string, interface{}) (string, error) {
	c.records++
	return "key", nil
}

func TestDirectorySourceDispatchesDeferredSearchesLater(t *testing.T) {
	ctx := context.Background()
	jobs := &recordingJobs{}
	pending := checkpoint.NewMemory()
	d := search.NewDispatcher(jobs, config.SearchConfig{Index: "main", MaxPerRun: 1}, logger.Discard())
	f := newDirFixture(t, WithSearch(d, pending, "archives/scan_directory.pending"))
	writeArchive(t, f.dir, "batch.tar.gz", testNow,
		archiveEntry{"a.json", indicatorDoc("indicator--a", "[ipv4-addr:value = '1.2.3.4']")},
		archiveEntry{"b.json", indicatorDoc("indicator--b", "[domain-name:value = 'evil.example']")},
		archiveEntry{"c.json", indicatorDoc("indicator--c", "[url:value = 'http://evil.example/x']")},
	)

	for run := 1; run <= 3; run++ {
		_, err := f.source.Run(ctx)
		require.NoError(t, err)
		assert.Len(t, jobs.queries, run)
	}
	require.Len(t, jobs.queries, 3)
	assert.Contains(t, jobs.queries[0], `indicator_id="indicator--a"`)
	assert.Contains(t, jobs.queries[1], `indicator_id="indicator--b"`)
	assert.Contains(t, jobs.queries[2], `indicator_id="indicator--c"`)
	assert.Equal(t, 3, jobs.records)

	value, ok, err := pending.Get(ctx, "archives/scan_directory.pending")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "[]", value)

	_, err = f.source.Run(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs.queries, 3)
}

func TestDirectorySourcePendingSearchesSurviveRestart(t *testing.T) {
	ctx := context.Background()
	pending := checkpoint.NewMemory()
	d := search.NewDispatcher(&recordingJobs{}, config.SearchConfig{MaxPerRun: 1}, logger.Discard())
	f := newDirFixture(t, WithSearch(d, pending, "archives/scan_directory.pending"))
	writeArchive(t, f.dir, "batch.tar.gz", testNow,
		archiveEntry{"a.json", indicatorDoc("indicator--a", "[ipv4-addr:value = '1.2.3.4']")},
		archiveEntry{"b.json", indicatorDoc("indicator--b", "[ipv4-addr:value = '5.6.7.8']")},
	)
	_, err := f.source.Run(ctx)
	require.NoError(t, err)

	// a new source over the same stores picks up the queued search
	jobs := &recordingJobs{}
	restarted := NewDirectorySource("archives", f.source.scanner, f.source.translator, sink.NewWriterSink(&bytes.Buffer{}), nil, logger.Discard(),
		WithSearch(search.NewDispatcher(jobs, config.SearchConfig{MaxPerRun: 1}, logger.Discard()), pending, "archives/scan_directory.pending"))
	res, err := restarted.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Entries)
	require.Len(t, jobs.queries, 1)
	assert.Contains(t, jobs.queries[0], `indicator_id="indicator--b"`)
}
