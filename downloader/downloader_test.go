package downloader

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earthscan/sand/common"
	"github.com/earthscan/sand/credentials"
	"github.com/earthscan/sand/interface/cache"
	"github.com/earthscan/sand/interface/provider"
	"github.com/earthscan/sand/service"
)

const (
	s2Scene      = "S2A_MSIL1C_20210615T103021_N0300_R108_T32TQM_20210615T123456"
	landsatScene = "LT05_L1TP_119038_20051210_20200904_02_T1"
)

// stubProvider scripts provider behavior for orchestrator tests
type stubProvider struct {
	key       string
	sensors   []string
	records   []common.AcquisitionRecord
	searches  int
	authCalls int
	fetch     func(call int, record common.AcquisitionRecord, destPath string) error
	fetchCall int
}

func (p *stubProvider) Name() string { return p.key }
func (p *stubProvider) Key() string  { return p.key }
func (p *stubProvider) Supports(sensorID string) bool {
	for _, s := range p.sensors {
		if s == sensorID {
			return true
		}
	}
	return false
}
func (p *stubProvider) Authenticate(ctx context.Context, cred credentials.Credential) (*provider.AuthContext, error) {
	p.authCalls++
	return &provider.AuthContext{Token: fmt.Sprintf("tok-%d", p.authCalls), Expires: time.Now().Add(time.Hour)}, nil
}
func (p *stubProvider) Search(ctx context.Context, auth *provider.AuthContext, sensorID string, criteria common.SearchCriteria) (*provider.ResultSet, error) {
	p.searches++
	return provider.StaticResultSet(p.records), nil
}
func (p *stubProvider) Fetch(ctx context.Context, auth *provider.AuthContext, record common.AcquisitionRecord, destPath string) error {
	p.fetchCall++
	if p.fetch == nil {
		return os.WriteFile(destPath, []byte("payload"), 0666)
	}
	return p.fetch(p.fetchCall, record, destPath)
}

func newStubOrchestrator(p *stubProvider) *Orchestrator {
	o := New(provider.NewRegistry(p), credentials.Static{p.key: {Login: "ada", Secret: "s3cret"}})
	o.RetryDelay = time.Millisecond
	return o
}

func writeBytes(destPath string, payload []byte) error {
	return os.WriteFile(destPath, payload, 0666)
}

func TestValidateName(t *testing.T) {
	o := newStubOrchestrator(&stubProvider{key: "stub"})

	id, err := o.ValidateName(s2Scene, "")
	require.NoError(t, err)
	assert.Equal(t, "SENTINEL-2-MSI", id.SensorID)
	assert.Equal(t, "T32TQM", id.FieldValues["tile"])

	id, err = o.ValidateName(s2Scene, "SENTINEL-2-MSI")
	require.NoError(t, err)
	assert.Equal(t, "SENTINEL-2-MSI", id.SensorID)

	_, err = o.ValidateName(s2Scene, "LANDSAT-5-TM")
	assert.Error(t, err)

	_, err = o.ValidateName("definitely-not-a-product", "")
	assert.Error(t, err)
}

func TestQueryRefinesClientSide(t *testing.T) {
	june := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
	p := &stubProvider{
		key:     "stub",
		sensors: []string{"SENTINEL-2-MSI"},
		records: []common.AcquisitionRecord{
			{Name: s2Scene, AcquisitionTime: june.Add(14 * 24 * time.Hour)},
			// outside the time range, the provider ignored the criteria
			{Name: "S2B_MSIL1C_20220615T103021_N0400_R108_T32TQM_20220615T123456", AcquisitionTime: june.Add(380 * 24 * time.Hour)},
			// name does not satisfy the sensor grammar
			{Name: "S2A_GARBAGE", AcquisitionTime: june},
		},
	}
	o := newStubOrchestrator(p)

	records, err := o.Query(context.Background(), "SENTINEL-2-MSI", common.SearchCriteria{
		Start: june,
		End:   june.Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, s2Scene, records[0].Name)
}

func TestQueryEmpty(t *testing.T) {
	p := &stubProvider{key: "stub", sensors: []string{"SENTINEL-2-MSI"}}
	o := newStubOrchestrator(p)

	records, err := o.Query(context.Background(), "SENTINEL-2-MSI", common.SearchCriteria{
		Start: time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2021, 6, 2, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestQueryUnknownSensor(t *testing.T) {
	o := newStubOrchestrator(&stubProvider{key: "stub"})
	_, err := o.Query(context.Background(), "NOT-A-SENSOR", common.SearchCriteria{})
	assert.Error(t, err)
}

func TestQueryCache(t *testing.T) {
	june := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
	p := &stubProvider{
		key:     "stub",
		sensors: []string{"SENTINEL-2-MSI"},
		records: []common.AcquisitionRecord{{Name: s2Scene, AcquisitionTime: june.Add(14 * 24 * time.Hour)}},
	}
	o := newStubOrchestrator(p)
	o.Cache = cache.NewMemory()
	criteria := common.SearchCriteria{Start: june, End: june.Add(30 * 24 * time.Hour)}

	first, err := o.Query(context.Background(), "SENTINEL-2-MSI", criteria)
	require.NoError(t, err)
	second, err := o.Query(context.Background(), "SENTINEL-2-MSI", criteria)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, p.searches, "second query served from the cache")
}

// TestDownloadResume interrupts a 1000 byte transfer after 400 bytes and
// verifies the retry resumes the partial file instead of starting over.
func TestDownloadResume(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 100)
	aborted := false
	rangeRequests := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok","token_type":"Bearer","expires_in":600}`)
	})
	mux.HandleFunc("/product.zip", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.Header.Get("Range") == "" && !aborted {
			aborted = true
			w.Header().Set("Content-Length", "1000")
			w.Header().Set("Accept-Ranges", "bytes")
			w.Write(payload[:400])
			// the partial bytes must reach the client before the abort
			w.(http.Flusher).Flush()
			panic(http.ErrAbortHandler)
		}
		if r.Header.Get("Range") != "" {
			rangeRequests++
		}
		http.ServeContent(w, r, "product.zip", time.Now(), bytes.NewReader(payload))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	p := provider.NewCopernicus()
	p.TokenURL = server.URL + "/token"
	p.CatalogURL = server.URL

	o := New(provider.NewRegistry(p), credentials.Static{p.Key(): {Login: "ada", Secret: "s3cret"}})
	o.RetryDelay = time.Millisecond

	destDir := t.TempDir()
	record := common.AcquisitionRecord{
		Name:           s2Scene,
		SizeBytes:      1000,
		DownloadHandle: server.URL + "/product.zip",
		Metadata:       map[string]string{"provider": p.Key()},
	}
	session, err := o.Download(context.Background(), record, destDir, DownloadOptions{})
	require.NoError(t, err)

	assert.Equal(t, []State{
		StateAuthenticating,
		StateFetching,
		StateRetrying,
		StateFetching,
		StateVerifying,
		StateComplete,
	}, session.History)
	assert.Equal(t, int64(1000), session.BytesWritten)
	assert.GreaterOrEqual(t, rangeRequests, 1, "the retry asked for the remainder")

	got, err := os.ReadFile(session.DestinationPath)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	_, err = os.Stat(session.DestinationPath + PartialSuffix)
	assert.True(t, os.IsNotExist(err), "the partial artifact was renamed away")
}

func TestDownloadIntegrityFailure(t *testing.T) {
	p := &stubProvider{
		key:     "stub",
		sensors: []string{"SENTINEL-2-MSI"},
		fetch: func(call int, record common.AcquisitionRecord, destPath string) error {
			return writeBytes(destPath, []byte("too-short"))
		},
	}
	o := newStubOrchestrator(p)

	destDir := t.TempDir()
	record := common.AcquisitionRecord{Name: s2Scene, SizeBytes: 1000, Metadata: map[string]string{"provider": "stub"}}
	session, err := o.Download(context.Background(), record, destDir, DownloadOptions{})

	var integrity IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, int64(1000), integrity.Expected)
	assert.Equal(t, int64(len("too-short")), integrity.Written)
	assert.Equal(t, StateFailed, session.State)

	_, statErr := os.Stat(filepath.Join(destDir, s2Scene+PartialSuffix))
	assert.NoError(t, statErr, "the partial artifact is kept")
	_, statErr = os.Stat(session.DestinationPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadSingleImplicitReauth(t *testing.T) {
	p := &stubProvider{key: "stub", sensors: []string{"SENTINEL-2-MSI"}}
	p.fetch = func(call int, record common.AcquisitionRecord, destPath string) error {
		if call == 1 {
			return &provider.AuthError{Provider: "stub", Expired: true, Err: fmt.Errorf("401")}
		}
		return writeBytes(destPath, []byte("payload"))
	}
	o := newStubOrchestrator(p)

	record := common.AcquisitionRecord{Name: s2Scene, SizeBytes: int64(len("payload")), Metadata: map[string]string{"provider": "stub"}}
	session, err := o.Download(context.Background(), record, t.TempDir(), DownloadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, p.authCalls, "exactly one implicit refresh")
	assert.Equal(t, []State{
		StateAuthenticating,
		StateFetching,
		StateAuthenticating,
		StateFetching,
		StateVerifying,
		StateComplete,
	}, session.History)
}

func TestDownloadReauthOnlyOnce(t *testing.T) {
	p := &stubProvider{key: "stub", sensors: []string{"SENTINEL-2-MSI"}}
	p.fetch = func(call int, record common.AcquisitionRecord, destPath string) error {
		return &provider.AuthError{Provider: "stub", Expired: true, Err: fmt.Errorf("401")}
	}
	o := newStubOrchestrator(p)

	record := common.AcquisitionRecord{Name: s2Scene, Metadata: map[string]string{"provider": "stub"}}
	session, err := o.Download(context.Background(), record, t.TempDir(), DownloadOptions{})
	require.Error(t, err)
	assert.Equal(t, StateFailed, session.State)
	assert.Equal(t, 2, p.authCalls, "a second expiry is not refreshed again")
}

func TestDownloadRetriesAreBounded(t *testing.T) {
	p := &stubProvider{key: "stub", sensors: []string{"SENTINEL-2-MSI"}}
	p.fetch = func(call int, record common.AcquisitionRecord, destPath string) error {
		return service.MakeTemporary(fmt.Errorf("flaky"))
	}
	o := newStubOrchestrator(p)
	o.MaxRetries = 2

	record := common.AcquisitionRecord{Name: s2Scene, Metadata: map[string]string{"provider": "stub"}}
	session, err := o.Download(context.Background(), record, t.TempDir(), DownloadOptions{})
	require.Error(t, err)
	assert.Equal(t, 3, p.fetchCall, "initial attempt plus MaxRetries")
	assert.Equal(t, StateFailed, session.State)
}

func TestDownloadFatalErrorStopsRetrying(t *testing.T) {
	p := &stubProvider{key: "stub", sensors: []string{"SENTINEL-2-MSI"}}
	p.fetch = func(call int, record common.AcquisitionRecord, destPath string) error {
		return service.MakeFatal(fmt.Errorf("no such product"))
	}
	o := newStubOrchestrator(p)

	record := common.AcquisitionRecord{Name: s2Scene, Metadata: map[string]string{"provider": "stub"}}
	_, err := o.Download(context.Background(), record, t.TempDir(), DownloadOptions{})
	require.Error(t, err)
	assert.Equal(t, 1, p.fetchCall)
}

func TestDownloadIfExists(t *testing.T) {
	p := &stubProvider{key: "stub", sensors: []string{"SENTINEL-2-MSI"}}
	o := newStubOrchestrator(p)
	destDir := t.TempDir()
	record := common.AcquisitionRecord{Name: s2Scene, Metadata: map[string]string{"provider": "stub"}}
	require.NoError(t, os.WriteFile(filepath.Join(destDir, s2Scene), []byte("old"), 0666))

	session, err := o.Download(context.Background(), record, destDir, DownloadOptions{IfExists: IfExistsSkip})
	require.NoError(t, err)
	assert.Equal(t, StateComplete, session.State)
	assert.Equal(t, 0, p.fetchCall, "skip does not transfer")

	_, err = o.Download(context.Background(), record, destDir, DownloadOptions{IfExists: IfExistsError})
	assert.Error(t, err)

	session, err = o.Download(context.Background(), record, destDir, DownloadOptions{IfExists: IfExistsOverwrite})
	require.NoError(t, err)
	got, err := os.ReadFile(session.DestinationPath)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestDownloadUncompress(t *testing.T) {
	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	f, err := zw.Create(s2Scene + "/manifest.xml")
	require.NoError(t, err)
	_, err = f.Write([]byte("<manifest/>"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	p := &stubProvider{key: "stub", sensors: []string{"SENTINEL-2-MSI"}}
	p.fetch = func(call int, record common.AcquisitionRecord, destPath string) error {
		return writeBytes(destPath, archive.Bytes())
	}
	o := newStubOrchestrator(p)

	destDir := t.TempDir()
	record := common.AcquisitionRecord{
		Name:           s2Scene,
		SizeBytes:      int64(archive.Len()),
		DownloadHandle: "https://example.com/" + s2Scene + ".zip",
		Metadata:       map[string]string{"provider": "stub"},
	}
	session, err := o.Download(context.Background(), record, destDir, DownloadOptions{Uncompress: true})
	require.NoError(t, err)
	assert.Contains(t, session.History, StateUncompressing)

	got, err := os.ReadFile(filepath.Join(destDir, s2Scene, "manifest.xml"))
	require.NoError(t, err)
	assert.Equal(t, "<manifest/>", string(got))
	_, err = os.Stat(filepath.Join(destDir, s2Scene+".zip"))
	assert.True(t, os.IsNotExist(err), "the archive is removed after extraction")
}

// TestRetrieveByName resolves a product from nothing but its name: the
// compact timestamp embedded in the identifier drives the catalog query.
func TestRetrieveByName(t *testing.T) {
	p := &stubProvider{
		key:     "stub",
		sensors: []string{"SENTINEL-2-MSI"},
		records: []common.AcquisitionRecord{{
			Name:            s2Scene,
			AcquisitionTime: time.Date(2021, 6, 15, 10, 30, 21, 0, time.UTC),
			SizeBytes:       int64(len("payload")),
			Metadata:        map[string]string{"provider": "stub"},
		}},
	}
	o := newStubOrchestrator(p)

	session, err := o.Retrieve(context.Background(), s2Scene, t.TempDir(), DownloadOptions{})
	require.NoError(t, err)
	assert.Equal(t, StateComplete, session.State)
	assert.Contains(t, session.History, StateSearching)
	assert.Equal(t, 1, p.searches)
}

func TestRetrieveNotFound(t *testing.T) {
	p := &stubProvider{key: "stub", sensors: []string{"SENTINEL-2-MSI"}}
	o := newStubOrchestrator(p)

	session, err := o.Retrieve(context.Background(), s2Scene, t.TempDir(), DownloadOptions{})
	var notFound provider.ErrProductNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, StateEmpty, session.State)
}

func TestDownloadAll(t *testing.T) {
	p := &stubProvider{key: "stub", sensors: []string{"SENTINEL-2-MSI", "LANDSAT-5-TM"}}
	o := newStubOrchestrator(p)

	records := []common.AcquisitionRecord{
		{Name: s2Scene, SizeBytes: int64(len("payload")), Metadata: map[string]string{"provider": "stub"}},
		{Name: landsatScene, SizeBytes: int64(len("payload")), Metadata: map[string]string{"provider": "stub"}},
	}
	sessions, err := o.DownloadAll(context.Background(), records, t.TempDir(), DownloadOptions{})
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, s2Scene, sessions[0].Target.Name)
	assert.Equal(t, landsatScene, sessions[1].Target.Name)
	for _, session := range sessions {
		assert.Equal(t, StateComplete, session.State)
	}
}

func TestDownloadAllReportsEveryFailure(t *testing.T) {
	p := &stubProvider{key: "stub", sensors: []string{"SENTINEL-2-MSI", "LANDSAT-5-TM"}}
	p.fetch = func(call int, record common.AcquisitionRecord, destPath string) error {
		if record.Name == landsatScene {
			return service.MakeFatal(fmt.Errorf("gone from the archive"))
		}
		return writeBytes(destPath, []byte("payload"))
	}
	o := newStubOrchestrator(p)
	o.Concurrency = 1

	records := []common.AcquisitionRecord{
		{Name: s2Scene, SizeBytes: int64(len("payload")), Metadata: map[string]string{"provider": "stub"}},
		{Name: landsatScene, Metadata: map[string]string{"provider": "stub"}},
	}
	sessions, err := o.DownloadAll(context.Background(), records, t.TempDir(), DownloadOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gone from the archive")
	require.Len(t, sessions, 2)
	assert.Equal(t, StateComplete, sessions[0].State, "the healthy transfer still completes")
	assert.Equal(t, StateFailed, sessions[1].State)
}

// previewProvider extends the stub with the preview and metadata endpoints
type previewProvider struct {
	stubProvider
}

func (p *previewProvider) Quicklook(ctx context.Context, auth *provider.AuthContext, record common.AcquisitionRecord, destDir string) (string, error) {
	target := filepath.Join(destDir, record.Name+".jpeg")
	return target, os.WriteFile(target, []byte("jpeg"), 0666)
}

func (p *previewProvider) Metadata(ctx context.Context, auth *provider.AuthContext, record common.AcquisitionRecord) (map[string]string, error) {
	return map[string]string{"platformShortName": "SENTINEL-2"}, nil
}

func TestQuicklookDispatch(t *testing.T) {
	record := common.AcquisitionRecord{Name: s2Scene, Metadata: map[string]string{"provider": "stub"}}

	p := &previewProvider{stubProvider{key: "stub", sensors: []string{"SENTINEL-2-MSI"}}}
	o := New(provider.NewRegistry(p), credentials.Static{p.key: {Login: "ada", Secret: "s3cret"}})
	destDir := t.TempDir()
	target, err := o.Quicklook(context.Background(), record, destDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(destDir, s2Scene+".jpeg"), target)

	meta, err := o.Metadata(context.Background(), record)
	require.NoError(t, err)
	assert.Equal(t, "SENTINEL-2", meta["platformShortName"])

	// a provider without preview support reports it by name
	bare := &stubProvider{key: "stub", sensors: []string{"SENTINEL-2-MSI"}}
	o = newStubOrchestrator(bare)
	_, err = o.Quicklook(context.Background(), record, destDir)
	assert.ErrorContains(t, err, "not supported")
	_, err = o.Metadata(context.Background(), record)
	assert.ErrorContains(t, err, "not supported")
}

func TestResolveProviderUnknownKey(t *testing.T) {
	o := newStubOrchestrator(&stubProvider{key: "stub", sensors: []string{"SENTINEL-2-MSI"}})
	record := common.AcquisitionRecord{Name: s2Scene, Metadata: map[string]string{"provider": "nowhere.example.com"}}
	_, err := o.resolveProvider(record)
	var notFound provider.ErrProviderNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "nowhere.example.com", notFound.Key)
}
