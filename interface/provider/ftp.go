package provider

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/earthscan/sand/common"
	"github.com/earthscan/sand/credentials"
	"github.com/earthscan/sand/pattern"
	"github.com/earthscan/sand/service"
)

const ftpSessionTTL = time.Hour

// FTP serves products from a plain FTP mirror. The directory holding a
// product is derived from its identifier fields through PathTemplate, e.g.
// "/pub/{sensor}/{acquisition_date}". Supported placeholders are {sensor},
// {name} and any field name of the sensor grammar.
type FTP struct {
	// Addr is the host:port of the server
	Addr string
	// PathTemplate locates the directory holding a product
	PathTemplate string
	// Sensors the mirror serves
	Sensors []string

	patterns *pattern.Table

	mu   sync.Mutex
	auth *AuthContext
}

func NewFTP(addr, pathTemplate string, sensors []string, patterns *pattern.Table) *FTP {
	return &FTP{Addr: addr, PathTemplate: pathTemplate, Sensors: sensors, patterns: patterns}
}

func (p *FTP) Name() string { return "FTP" }

func (p *FTP) Key() string {
	host := p.Addr
	if i := strings.LastIndex(host, ":"); i != -1 {
		host = host[:i]
	}
	return host
}

func (p *FTP) Supports(sensorID string) bool {
	for _, s := range p.Sensors {
		if s == sensorID {
			return true
		}
	}
	return false
}

func (p *FTP) connect(ctx context.Context, cred credentials.Credential) (*ftp.ServerConn, error) {
	// transient dial failures are retried, a rejected login is not
	var conn *ftp.ServerConn
	err := service.Retriable(ctx, func() error {
		var err error
		if conn, err = ftp.Dial(p.Addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(30*time.Second)); err != nil {
			return service.MakeTemporary(fmt.Errorf("ftp.Dial[%s]: %w", p.Addr, err))
		}
		return nil
	}, time.Second, 3)
	if err != nil {
		return nil, err
	}
	if err := conn.Login(cred.Login, cred.Secret); err != nil {
		conn.Quit()
		return nil, &AuthError{Provider: p.Name(), Err: err}
	}
	return conn, nil
}

// Authenticate verifies the credential with a login round trip. The
// credential is kept in the session: ftp sessions do not survive long
// transfers reliably, so Search and Fetch open their own connection.
func (p *FTP) Authenticate(ctx context.Context, cred credentials.Credential) (*AuthContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.auth.Valid() {
		return p.auth, nil
	}

	conn, err := p.connect(ctx, cred)
	if err != nil {
		return nil, err
	}
	conn.Quit()
	p.auth = &AuthContext{Expires: time.Now().Add(ftpSessionTTL), session: cred}
	return p.auth, nil
}

func (p *FTP) credential(auth *AuthContext) (credentials.Credential, error) {
	cred, ok := auth.session.(credentials.Credential)
	if !ok {
		return credentials.Credential{}, service.MakeFatal(fmt.Errorf("FTP: auth context holds no credential"))
	}
	return cred, nil
}

// productDir expands PathTemplate with the fields of the product identifier
func (p *FTP) productDir(id *pattern.ProductIdentifier) string {
	dir := p.PathTemplate
	dir = strings.ReplaceAll(dir, "{sensor}", id.SensorID)
	dir = strings.ReplaceAll(dir, "{name}", id.RawName)
	for field, value := range id.FieldValues {
		dir = strings.ReplaceAll(dir, "{"+field+"}", value)
	}
	return dir
}

func (p *FTP) Search(ctx context.Context, auth *AuthContext, sensorID string, criteria common.SearchCriteria) (*ResultSet, error) {
	if !p.Supports(sensorID) {
		return nil, fmt.Errorf("FTP: unsupported sensor: %s", sensorID)
	}
	var ids []*pattern.ProductIdentifier
	for _, name := range criteria.NameContains {
		if id, err := p.patterns.Parse(name, sensorID); err == nil {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("FTP.Search: the name filter must hold at least one full product identifier")
	}
	cred, err := p.credential(auth)
	if err != nil {
		return nil, err
	}

	return NewResultSet(func(ctx context.Context, page int) ([]common.AcquisitionRecord, bool, error) {
		if page >= len(ids) {
			return nil, false, nil
		}
		record, err := p.listProduct(ctx, cred, ids[page])
		if err != nil {
			if _, ok := err.(ErrProductNotFound); ok {
				return nil, page+1 < len(ids), nil
			}
			return nil, false, err
		}
		return []common.AcquisitionRecord{record}, page+1 < len(ids), nil
	}), nil
}

func (p *FTP) listProduct(ctx context.Context, cred credentials.Credential, id *pattern.ProductIdentifier) (common.AcquisitionRecord, error) {
	conn, err := p.connect(ctx, cred)
	if err != nil {
		return common.AcquisitionRecord{}, err
	}
	defer conn.Quit()

	dir := p.productDir(id)
	entries, err := conn.List(dir)
	if err != nil {
		return common.AcquisitionRecord{}, service.MakeTemporary(fmt.Errorf("FTP.listProduct.List[%s]: %w", dir, err))
	}
	for _, entry := range entries {
		if entry.Type != ftp.EntryTypeFile || !strings.HasPrefix(entry.Name, id.RawName) {
			continue
		}
		return common.AcquisitionRecord{
			ID:              id.RawName,
			Name:            id.RawName,
			AcquisitionTime: entry.Time,
			SizeBytes:       int64(entry.Size),
			DownloadHandle:  path.Join(dir, entry.Name),
			Metadata:        map[string]string{"provider": p.Key()},
		}, nil
	}
	return common.AcquisitionRecord{}, ErrProductNotFound{id.RawName}
}

// Fetch resumes into destPath when a partial file is already there
func (p *FTP) Fetch(ctx context.Context, auth *AuthContext, record common.AcquisitionRecord, destPath string) error {
	if !auth.Valid() {
		return &AuthError{Provider: p.Name(), Expired: true, Err: fmt.Errorf("session expired %s ago", time.Since(auth.Expires))}
	}
	cred, err := p.credential(auth)
	if err != nil {
		return err
	}
	conn, err := p.connect(ctx, cred)
	if err != nil {
		return err
	}
	defer conn.Quit()

	var offset int64
	if info, err := os.Stat(destPath); err == nil {
		offset = info.Size()
	}
	if record.SizeKnown() && offset > record.SizeBytes {
		// stale partial larger than the product, restart from scratch
		offset = 0
	}
	if record.SizeKnown() && offset == record.SizeBytes {
		return nil
	}

	r, err := conn.RetrFrom(record.DownloadHandle, uint64(offset))
	if err != nil {
		return service.MakeTemporary(fmt.Errorf("FTP.Fetch.RetrFrom[%s]: %w", record.DownloadHandle, err))
	}
	defer r.Close()

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if offset == 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(destPath, flags, 0666)
	if err != nil {
		return service.MakeTemporary(fmt.Errorf("FTP.Fetch.OpenFile: %w", err))
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return service.MakeTemporary(fmt.Errorf("FTP.Fetch[%s]: %w", record.Name, err))
	}
	return nil
}
