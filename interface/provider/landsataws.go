package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscredentials "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/earthscan/sand/common"
	"github.com/earthscan/sand/credentials"
	"github.com/earthscan/sand/pattern"
	"github.com/earthscan/sand/service"
	"github.com/earthscan/sand/service/log"
)

const (
	landsatBucket     = "usgs-landsat"
	landsatRegion     = "us-west-2"
	landsatSessionTTL = 12 * time.Hour
)

var landsatSensorDirs = map[string]string{
	"LANDSAT-5-TM":  "tm",
	"LANDSAT-7-ETM": "etm",
	"LANDSAT-8-OLI": "oli-tirs",
	"LANDSAT-9-OLI": "oli-tirs",
}

// LandsatAWS serves Landsat Collection 2 products from the usgs-landsat
// requester-pays bucket. Products are key prefixes holding one object per
// band, so a fetched product is a directory, not a single archive.
//
// The bucket cannot be queried spatially: Search requires a scene identifier
// in the name filter, from which the object prefix is derived.
type LandsatAWS struct {
	Bucket string
	Region string
	// EndpointURL overrides the resolved S3 endpoint
	EndpointURL string

	patterns *pattern.Table

	mu   sync.Mutex
	auth *AuthContext
}

func NewLandsatAWS(patterns *pattern.Table) *LandsatAWS {
	return &LandsatAWS{Bucket: landsatBucket, Region: landsatRegion, patterns: patterns}
}

func (p *LandsatAWS) Name() string { return "LandsatAWS" }
func (p *LandsatAWS) Key() string  { return "usgs-landsat.s3.amazonaws.com" }

func (p *LandsatAWS) Supports(sensorID string) bool {
	_, ok := landsatSensorDirs[sensorID]
	return ok
}

func (p *LandsatAWS) Authenticate(ctx context.Context, cred credentials.Credential) (*AuthContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.auth.Valid() {
		return p.auth, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(p.Region),
		awsconfig.WithCredentialsProvider(
			awscredentials.NewStaticCredentialsProvider(cred.Login, cred.Secret, "")),
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &AuthError{Provider: p.Name(), Err: err}
	}
	p.auth = &AuthContext{Expires: time.Now().Add(landsatSessionTTL), session: cfg}
	return p.auth, nil
}

func (p *LandsatAWS) client(auth *AuthContext) (*s3.Client, error) {
	cfg, ok := auth.session.(aws.Config)
	if !ok {
		return nil, service.MakeFatal(fmt.Errorf("LandsatAWS: auth context is not an aws session"))
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if p.EndpointURL != "" {
			o.BaseEndpoint = aws.String(p.EndpointURL)
			o.UsePathStyle = true
		}
	}), nil
}

func (p *LandsatAWS) parseScene(name string) (*pattern.ProductIdentifier, error) {
	sensorID, err := p.patterns.Identify(name)
	if err != nil {
		return nil, err
	}
	return p.patterns.Parse(name, sensorID)
}

// scenePrefix derives the bucket prefix of a scene from its identifier fields
func (p *LandsatAWS) scenePrefix(sceneID string) (string, error) {
	id, err := p.parseScene(sceneID)
	if err != nil {
		return "", fmt.Errorf("LandsatAWS.scenePrefix: %w", err)
	}
	sensorDir, ok := landsatSensorDirs[id.SensorID]
	if !ok {
		return "", fmt.Errorf("LandsatAWS.scenePrefix: unsupported sensor: %s", id.SensorID)
	}
	pathRow := id.FieldValues["wrs_path_row"]
	acquired := id.FieldValues["acquisition_date"]
	level := "level-1"
	if id.FieldValues["processing_level"][1] == '2' {
		level = "level-2"
	}
	return fmt.Sprintf("collection02/%s/standard/%s/%s/%s/%s/%s/",
		level, sensorDir, acquired[:4], pathRow[:3], pathRow[3:], id.RawName), nil
}

func (p *LandsatAWS) Search(ctx context.Context, auth *AuthContext, sensorID string, criteria common.SearchCriteria) (*ResultSet, error) {
	if !p.Supports(sensorID) {
		return nil, fmt.Errorf("LandsatAWS: unsupported sensor: %s", sensorID)
	}

	var sceneIDs []string
	for _, name := range criteria.NameContains {
		if id, err := p.parseScene(name); err == nil && id.SensorID == sensorID {
			sceneIDs = append(sceneIDs, id.RawName)
		}
	}
	if len(sceneIDs) == 0 {
		return nil, fmt.Errorf("LandsatAWS.Search: the name filter must hold at least one full scene identifier")
	}

	client, err := p.client(auth)
	if err != nil {
		return nil, err
	}
	return NewResultSet(func(ctx context.Context, page int) ([]common.AcquisitionRecord, bool, error) {
		if page >= len(sceneIDs) {
			return nil, false, nil
		}
		record, err := p.sceneRecord(ctx, client, sceneIDs[page])
		if err != nil {
			if _, ok := err.(ErrProductNotFound); ok {
				return nil, page+1 < len(sceneIDs), nil
			}
			return nil, false, err
		}
		return []common.AcquisitionRecord{record}, page+1 < len(sceneIDs), nil
	}), nil
}

func (p *LandsatAWS) sceneRecord(ctx context.Context, client *s3.Client, sceneID string) (common.AcquisitionRecord, error) {
	prefix, err := p.scenePrefix(sceneID)
	if err != nil {
		return common.AcquisitionRecord{}, err
	}

	var size int64
	var objects int
	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket:       aws.String(p.Bucket),
		Prefix:       aws.String(prefix),
		RequestPayer: types.RequestPayerRequester,
	})
	for paginator.HasMorePages() {
		resp, err := paginator.NextPage(ctx)
		if err != nil {
			return common.AcquisitionRecord{}, service.MakeTemporary(fmt.Errorf("LandsatAWS.sceneRecord[%s]: %w", sceneID, err))
		}
		for _, object := range resp.Contents {
			size += aws.ToInt64(object.Size)
			objects++
		}
	}
	if objects == 0 {
		return common.AcquisitionRecord{}, ErrProductNotFound{sceneID}
	}

	id, _ := p.parseScene(sceneID)
	acquired, err := parseTime(id.FieldValues["acquisition_date"])
	if err != nil {
		return common.AcquisitionRecord{}, fmt.Errorf("LandsatAWS.sceneRecord[%s]: %w", sceneID, err)
	}
	return common.AcquisitionRecord{
		ID:              sceneID,
		Name:            sceneID,
		AcquisitionTime: acquired,
		SizeBytes:       size,
		DownloadHandle:  prefix,
		Metadata:        map[string]string{"provider": p.Key(), "objects": fmt.Sprintf("%d", objects)},
	}, nil
}

// Fetch downloads every object of the product prefix into the destPath
// directory
func (p *LandsatAWS) Fetch(ctx context.Context, auth *AuthContext, record common.AcquisitionRecord, destPath string) error {
	if !auth.Valid() {
		return &AuthError{Provider: p.Name(), Expired: true, Err: fmt.Errorf("session expired %s ago", time.Since(auth.Expires))}
	}
	client, err := p.client(auth)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(destPath, 0766); err != nil {
		return service.MakeTemporary(fmt.Errorf("LandsatAWS.Fetch.MkdirAll: %w", err))
	}

	downloader := manager.NewDownloader(client)
	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket:       aws.String(p.Bucket),
		Prefix:       aws.String(record.DownloadHandle),
		RequestPayer: types.RequestPayerRequester,
	})
	objects := 0
	for paginator.HasMorePages() {
		resp, err := paginator.NextPage(ctx)
		if err != nil {
			return service.MakeTemporary(fmt.Errorf("LandsatAWS.Fetch[%s]: %w", record.Name, err))
		}
		for _, object := range resp.Contents {
			key := aws.ToString(object.Key)
			localPath := filepath.Join(destPath, filepath.Base(key))
			if err := p.fetchObject(ctx, downloader, key, localPath); err != nil {
				return err
			}
			objects++
			log.Logger(ctx).Debug("downloaded object",
				zap.String("product", record.Name),
				zap.String("key", key),
				zap.Int64("size", aws.ToInt64(object.Size)))
		}
	}
	if objects == 0 {
		return ErrProductNotFound{record.Name}
	}
	return nil
}

func (p *LandsatAWS) fetchObject(ctx context.Context, downloader *manager.Downloader, key, localPath string) error {
	f, err := os.Create(localPath)
	if err != nil {
		return service.MakeTemporary(fmt.Errorf("LandsatAWS.fetchObject.Create: %w", err))
	}
	defer f.Close()
	if _, err := downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket:       aws.String(p.Bucket),
		Key:          aws.String(key),
		RequestPayer: types.RequestPayerRequester,
	}); err != nil {
		return service.MakeTemporary(fmt.Errorf("LandsatAWS.fetchObject[%s]: %w", key, err))
	}
	return nil
}
