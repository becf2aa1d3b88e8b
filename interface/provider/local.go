package provider

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/earthscan/sand/common"
	"github.com/earthscan/sand/credentials"
	"github.com/earthscan/sand/pattern"
	"github.com/earthscan/sand/service"
	"github.com/earthscan/sand/service/geometry"
	"github.com/earthscan/sand/service/log"
)

// Local serves products from a directory tree, typically an offline mirror
// or test fixtures. Any file or directory whose base name matches a sensor
// grammar is a product. A footprint may be declared in a "<name>.wkt"
// sidecar file next to the product.
type Local struct {
	// Root of the directory tree
	Root string

	patterns *pattern.Table
}

func NewLocal(root string, patterns *pattern.Table) *Local {
	return &Local{Root: root, patterns: patterns}
}

func (p *Local) Name() string { return "Local" }
func (p *Local) Key() string  { return "local" }

func (p *Local) Supports(sensorID string) bool {
	_, err := p.patterns.Lookup(sensorID)
	return err == nil
}

// Authenticate only checks that the root exists
func (p *Local) Authenticate(ctx context.Context, cred credentials.Credential) (*AuthContext, error) {
	info, err := os.Stat(p.Root)
	if err != nil || !info.IsDir() {
		return nil, &AuthError{Provider: p.Name(), Err: fmt.Errorf("not a directory: %s", p.Root)}
	}
	return &AuthContext{Expires: time.Now().Add(24 * time.Hour)}, nil
}

func (p *Local) Search(ctx context.Context, auth *AuthContext, sensorID string, criteria common.SearchCriteria) (*ResultSet, error) {
	sensorPattern, err := p.patterns.Lookup(sensorID)
	if err != nil {
		return nil, err
	}
	if err := criteria.Validate(); err != nil {
		return nil, err
	}

	return NewResultSet(func(ctx context.Context, page int) ([]common.AcquisitionRecord, bool, error) {
		if page > 0 {
			return nil, false, nil
		}
		var records []common.AcquisitionRecord
		err := filepath.Walk(p.Root, func(productPath string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			id, err := sensorPattern.Parse(info.Name())
			if err != nil {
				return nil
			}
			record, err := p.record(productPath, info, id)
			if err != nil {
				// a broken fixture must not abort the whole walk
				log.Logger(ctx).Warn("skipping product",
					zap.String("name", info.Name()),
					zap.Error(err))
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			records = append(records, record)
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		})
		if err != nil {
			return nil, false, fmt.Errorf("Local.Search: %w", err)
		}
		return records, false, nil
	}), nil
}

func (p *Local) record(productPath string, info os.FileInfo, id *pattern.ProductIdentifier) (common.AcquisitionRecord, error) {
	record := common.AcquisitionRecord{
		ID:             id.RawName,
		Name:           id.RawName,
		SizeBytes:      info.Size(),
		DownloadHandle: productPath,
		Metadata:       map[string]string{"provider": p.Key()},
	}
	acquired, err := acquisitionTimeOf(id)
	if err != nil {
		return common.AcquisitionRecord{}, fmt.Errorf("Local.record[%s]: %w", info.Name(), err)
	}
	record.AcquisitionTime = acquired
	if info.IsDir() {
		if record.SizeBytes, err = dirSize(productPath); err != nil {
			return common.AcquisitionRecord{}, fmt.Errorf("Local.record[%s]: %w", info.Name(), err)
		}
	}

	sidecar := productPath + ".wkt"
	if wkt, err := os.ReadFile(sidecar); err == nil {
		if record.Footprint, err = geometry.DecodeWKT(string(wkt)); err != nil {
			return common.AcquisitionRecord{}, fmt.Errorf("Local.record[%s]: %w", sidecar, err)
		}
	}
	return record, nil
}

func (p *Local) Fetch(ctx context.Context, auth *AuthContext, record common.AcquisitionRecord, destPath string) error {
	info, err := os.Stat(record.DownloadHandle)
	if os.IsNotExist(err) {
		return ErrProductNotFound{record.Name}
	} else if err != nil {
		return service.MakeTemporary(fmt.Errorf("Local.Fetch: %w", err))
	}
	if info.IsDir() {
		return copyDir(record.DownloadHandle, destPath)
	}
	return copyFile(record.DownloadHandle, destPath)
}

// acquisitionTimeOf extracts the sensing time from the identifier fields
func acquisitionTimeOf(id *pattern.ProductIdentifier) (time.Time, error) {
	for _, field := range []string{"start_time", "acquisition_time", "acquisition_date"} {
		if value, ok := id.FieldValues[field]; ok {
			return parseTime(value)
		}
	}
	return time.Time{}, fmt.Errorf("no time field in the %s grammar", id.SensorID)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return service.MakeTemporary(fmt.Errorf("copyFile.Open: %w", err))
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return service.MakeTemporary(fmt.Errorf("copyFile.Create: %w", err))
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return service.MakeTemporary(fmt.Errorf("copyFile: %w", err))
	}
	return out.Close()
}

func copyDir(src, dest string) error {
	return filepath.Walk(src, func(srcPath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, srcPath)
		if err != nil {
			return err
		}
		destPath := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(destPath, 0766)
		}
		return copyFile(srcPath, destPath)
	})
}
