// Package downloader drives product retrieval end to end: query the catalog
// of the responsible provider, fetch the selected products with resume and
// bounded retries, verify the byte count and optionally uncompress.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/mholt/archiver"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/earthscan/sand/common"
	"github.com/earthscan/sand/credentials"
	"github.com/earthscan/sand/interface/cache"
	"github.com/earthscan/sand/interface/provider"
	"github.com/earthscan/sand/pattern"
	"github.com/earthscan/sand/service"
	"github.com/earthscan/sand/service/log"
)

const (
	defaultMaxRetries  = 3
	defaultRetryDelay  = 2 * time.Second
	maxRetryDelay      = time.Minute
	defaultConcurrency = 4
	// PartialSuffix marks in-flight artifacts, renamed away on completion
	PartialSuffix = ".part"
)

// Orchestrator coordinates providers, credentials and the identifier
// grammars. Safe for concurrent use.
type Orchestrator struct {
	Registry    *provider.Registry
	Credentials credentials.Source
	Patterns    *pattern.Table
	Cache       cache.Cache

	// MaxRetries bounds the fetch attempts after the first one
	MaxRetries int
	// RetryDelay is the initial backoff, doubled at each retry
	RetryDelay time.Duration
	// Concurrency bounds the parallel sessions of DownloadAll
	Concurrency int
}

func New(registry *provider.Registry, creds credentials.Source) *Orchestrator {
	return &Orchestrator{
		Registry:    registry,
		Credentials: creds,
		Patterns:    pattern.Default(),
		MaxRetries:  defaultMaxRetries,
		RetryDelay:  defaultRetryDelay,
		Concurrency: defaultConcurrency,
	}
}

// ValidateName checks a product name against a sensor grammar and returns
// its decomposition. An empty sensorID infers the sensor from the name.
func (o *Orchestrator) ValidateName(rawName, sensorID string) (*pattern.ProductIdentifier, error) {
	if sensorID == "" {
		var err error
		if sensorID, err = o.Patterns.Identify(rawName); err != nil {
			return nil, err
		}
	}
	return o.Patterns.Parse(rawName, sensorID)
}

func (o *Orchestrator) authenticate(ctx context.Context, p provider.Provider) (*provider.AuthContext, error) {
	cred, err := o.Credentials.Get(p.Key())
	if err != nil {
		return nil, fmt.Errorf("authenticate[%s]: %w", p.Name(), err)
	}
	return p.Authenticate(ctx, cred)
}

// Query returns the catalog records of the sensor matching the criteria.
// Records are refined client-side: the criteria are applied again locally
// and records whose name does not satisfy the sensor grammar are dropped
// with a warning. Results go through the configured cache when one is set.
func (o *Orchestrator) Query(ctx context.Context, sensorID string, criteria common.SearchCriteria) ([]common.AcquisitionRecord, error) {
	sensorPattern, err := o.Patterns.Lookup(sensorID)
	if err != nil {
		return nil, err
	}
	if err := criteria.Validate(); err != nil {
		return nil, err
	}
	p, err := o.Registry.ForSensor(sensorID)
	if err != nil {
		return nil, err
	}

	return cache.Query(o.Cache, cache.Key(p.Key(), sensorID, criteria), func() ([]common.AcquisitionRecord, error) {
		ctx := log.With(ctx, zap.String("provider", p.Name()), zap.String("sensor", sensorID))
		auth, err := o.authenticate(ctx, p)
		if err != nil {
			return nil, err
		}
		rs, err := p.Search(ctx, auth, sensorID, criteria)
		if err != nil {
			return nil, fmt.Errorf("query[%s/%s]: %w", p.Name(), sensorID, err)
		}

		records := []common.AcquisitionRecord{}
		seen := service.StringSet{}
		it := rs.Iterate(ctx)
		for it.Next() {
			record := it.Record()
			if _, err := sensorPattern.Parse(record.Name); err != nil {
				log.Logger(ctx).Warn("dropping record with malformed name",
					zap.String("name", record.Name),
					zap.Error(err))
				continue
			}
			if !criteria.Matches(record) || seen.Exists(record.Name) {
				continue
			}
			seen.Push(record.Name)
			records = append(records, record)
		}
		if err := it.Err(); err != nil {
			return nil, fmt.Errorf("query[%s/%s]: %w", p.Name(), sensorID, err)
		}
		return records, nil
	})
}

// destinationName derives the artifact name from the record, keeping a
// recognized archive extension of the download handle
func destinationName(record common.AcquisitionRecord) string {
	if u, err := url.Parse(record.DownloadHandle); err == nil {
		if ext := service.GetExt(path.Base(u.Path)); ext != service.NoExtension && ext != service.ExtensionSAFE {
			return record.Name + "." + string(ext)
		}
	}
	return record.Name
}

// Download retrieves one product into destDir. The transfer goes to a
// distinctly-named partial artifact, renamed to its final name only after
// the byte count verification passed. The returned session carries the full
// state history; it is also returned on failure.
func (o *Orchestrator) Download(ctx context.Context, record common.AcquisitionRecord, destDir string, opts DownloadOptions) (*DownloadSession, error) {
	session := newSession(record)
	finalPath := filepath.Join(destDir, destinationName(record))
	partPath := finalPath + PartialSuffix
	session.DestinationPath = finalPath

	if info, err := os.Stat(finalPath); err == nil {
		switch opts.IfExists {
		case IfExistsSkip:
			log.Logger(ctx).Debug("destination exists, skipping", zap.String("product", record.Name))
			session.transition(ctx, StateComplete)
			session.BytesWritten = info.Size()
			return session, nil
		case IfExistsError:
			return session.fail(ctx, fmt.Errorf("download[%s]: destination exists: %s", record.Name, finalPath))
		case IfExistsOverwrite:
			if err := os.RemoveAll(finalPath); err != nil {
				return session.fail(ctx, fmt.Errorf("download[%s]: %w", record.Name, err))
			}
		}
	}
	if err := os.MkdirAll(destDir, 0766); err != nil {
		return session.fail(ctx, fmt.Errorf("download[%s]: %w", record.Name, err))
	}

	session.transition(ctx, StateAuthenticating)
	p, err := o.resolveProvider(record)
	if err != nil {
		return session.fail(ctx, err)
	}
	auth, err := o.authenticate(ctx, p)
	if err != nil {
		return session.fail(ctx, err)
	}

	session.transition(ctx, StateFetching)
	reauthenticated := false
	delay := o.RetryDelay
	for attempt := 0; ; attempt++ {
		err = p.Fetch(ctx, auth, record, partPath)
		if err == nil {
			break
		}

		var authErr *provider.AuthError
		if errors.As(err, &authErr) && authErr.Expired {
			if reauthenticated {
				return session.fail(ctx, err)
			}
			// a single implicit refresh, then back to fetching
			reauthenticated = true
			auth.Invalidate()
			session.transition(ctx, StateAuthenticating)
			if auth, err = o.authenticate(ctx, p); err != nil {
				return session.fail(ctx, err)
			}
			session.transition(ctx, StateFetching)
			attempt--
			continue
		}
		if service.Fatal(err) || attempt >= o.MaxRetries {
			return session.fail(ctx, err)
		}

		session.transition(ctx, StateRetrying)
		log.Logger(ctx).Warn("fetch failed, retrying",
			zap.String("product", record.Name),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return session.fail(ctx, ctx.Err())
		}
		if delay *= 2; delay > maxRetryDelay {
			delay = maxRetryDelay
		}
		session.transition(ctx, StateFetching)
	}

	session.transition(ctx, StateVerifying)
	written, err := writtenBytes(partPath)
	if err != nil {
		return session.fail(ctx, fmt.Errorf("download[%s]: %w", record.Name, err))
	}
	session.BytesWritten = written
	if record.SizeKnown() && written != record.SizeBytes {
		return session.fail(ctx, IntegrityError{
			Product:  record.Name,
			Expected: record.SizeBytes,
			Written:  written,
			Path:     partPath,
		})
	}
	if err := os.Rename(partPath, finalPath); err != nil {
		return session.fail(ctx, fmt.Errorf("download[%s]: %w", record.Name, err))
	}

	if opts.Uncompress && isArchive(finalPath) {
		session.transition(ctx, StateUncompressing)
		if err := uncompress(finalPath, destDir); err != nil {
			// the verified archive stays usable, report both
			session.transition(ctx, StateComplete)
			session.Err = err
			return session, err
		}
		session.DestinationPath = destDir
	}

	session.transition(ctx, StateComplete)
	log.Logger(ctx).Info("download complete",
		zap.String("product", record.Name),
		zap.String("path", session.DestinationPath),
		zap.Int64("size", session.BytesWritten))
	return session, nil
}

// DownloadAll retrieves the products concurrently, at most Concurrency at a
// time. The returned sessions are index-aligned with the records. The first
// error cancels the remaining transfers.
func (o *Orchestrator) DownloadAll(ctx context.Context, records []common.AcquisitionRecord, destDir string, opts DownloadOptions) ([]*DownloadSession, error) {
	sessions := make([]*DownloadSession, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.Concurrency)
	for i, record := range records {
		g.Go(func() error {
			session, err := o.Download(gctx, record, destDir, opts)
			sessions[i] = session
			return err
		})
	}
	waitErr := g.Wait()

	// every failed session is reported, not only the one that cancelled
	// the group
	var merged error
	for _, session := range sessions {
		if session != nil && session.Err != nil {
			merged = service.MergeErrors(true, merged, session.Err)
		}
	}
	if merged == nil {
		merged = waitErr
	}
	return sessions, merged
}

// Retrieve resolves a product by its exact name and downloads it: the name
// is decomposed to identify the sensor, the responsible provider is queried
// over the acquisition day and the matching record is fetched.
func (o *Orchestrator) Retrieve(ctx context.Context, rawName, destDir string, opts DownloadOptions) (*DownloadSession, error) {
	id, err := o.ValidateName(rawName, "")
	if err != nil {
		return nil, err
	}
	session := newSession(common.AcquisitionRecord{Name: rawName})

	acquired, err := acquisitionDay(id)
	if err != nil {
		return session.fail(ctx, err)
	}
	criteria := common.SearchCriteria{
		Start:        acquired,
		End:          acquired.Add(24*time.Hour - time.Second),
		NameContains: []string{rawName},
	}

	session.transition(ctx, StateSearching)
	records, err := o.Query(ctx, id.SensorID, criteria)
	if err != nil {
		return session.fail(ctx, err)
	}
	if len(records) == 0 {
		session.transition(ctx, StateEmpty)
		session.Err = provider.ErrProductNotFound{Product: rawName}
		return session, session.Err
	}

	session.transition(ctx, StateSelecting)
	target := records[0]
	for _, record := range records {
		if record.Name == rawName {
			target = record
			break
		}
	}

	downloadSession, err := o.Download(ctx, target, destDir, opts)
	downloadSession.History = append(session.History, downloadSession.History...)
	return downloadSession, err
}

// Quicklook fetches the preview image of a record into destDir and returns
// its path. Providers without preview support report an error.
func (o *Orchestrator) Quicklook(ctx context.Context, record common.AcquisitionRecord, destDir string) (string, error) {
	p, err := o.resolveProvider(record)
	if err != nil {
		return "", err
	}
	ql, ok := p.(provider.Quicklooker)
	if !ok {
		return "", fmt.Errorf("quicklook[%s]: not supported by %s", record.Name, p.Name())
	}
	if err := os.MkdirAll(destDir, 0766); err != nil {
		return "", fmt.Errorf("quicklook[%s]: %w", record.Name, err)
	}
	auth, err := o.authenticate(ctx, p)
	if err != nil {
		return "", err
	}
	return ql.Quicklook(ctx, auth, record, destDir)
}

// Metadata returns the full catalog attributes of a record from its
// provider. Providers without a metadata endpoint report an error.
func (o *Orchestrator) Metadata(ctx context.Context, record common.AcquisitionRecord) (map[string]string, error) {
	p, err := o.resolveProvider(record)
	if err != nil {
		return nil, err
	}
	mf, ok := p.(provider.MetadataFetcher)
	if !ok {
		return nil, fmt.Errorf("metadata[%s]: not supported by %s", record.Name, p.Name())
	}
	auth, err := o.authenticate(ctx, p)
	if err != nil {
		return nil, err
	}
	return mf.Metadata(ctx, auth, record)
}

// resolveProvider prefers the provider key recorded in the metadata of a
// queried record, falling back to sensor attribution of the record name
func (o *Orchestrator) resolveProvider(record common.AcquisitionRecord) (provider.Provider, error) {
	if key := record.Metadata["provider"]; key != "" {
		if p, err := o.Registry.Get(key); err == nil {
			return p, nil
		}
		return nil, provider.ErrProviderNotFound{Key: key}
	}
	sensorID, err := o.Patterns.Identify(record.Name)
	if err != nil {
		return nil, err
	}
	return o.Registry.ForSensor(sensorID)
}

// acquisitionDay extracts the sensing day from the identifier fields
func acquisitionDay(id *pattern.ProductIdentifier) (time.Time, error) {
	for _, field := range []string{"start_time", "acquisition_time", "acquisition_date"} {
		if value, ok := id.FieldValues[field]; ok {
			t, err := common.ParseTime(value)
			if err != nil {
				return time.Time{}, fmt.Errorf("retrieve[%s]: %w", id.RawName, err)
			}
			return t.Truncate(24 * time.Hour), nil
		}
	}
	return time.Time{}, fmt.Errorf("retrieve[%s]: no time field in the %s grammar", id.RawName, id.SensorID)
}

// writtenBytes returns the size of the artifact, file or directory
func writtenBytes(artifactPath string) (int64, error) {
	info, err := os.Stat(artifactPath)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}
	var size int64
	err = filepath.Walk(artifactPath, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

func isArchive(artifactPath string) bool {
	switch service.GetExt(artifactPath) {
	case service.ExtensionZIP, service.ExtensionTAR:
		return true
	}
	return false
}

func uncompress(archivePath, destDir string) error {
	if err := archiver.Unarchive(archivePath, destDir); err != nil {
		return fmt.Errorf("uncompress[%s]: %w", filepath.Base(archivePath), err)
	}
	return os.Remove(archivePath)
}
