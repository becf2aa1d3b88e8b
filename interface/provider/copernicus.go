package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/earthscan/sand/common"
	"github.com/earthscan/sand/credentials"
	"github.com/earthscan/sand/service"
	"github.com/earthscan/sand/service/geometry"
)

const (
	copernicusTokenURL   = "https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token"
	copernicusCatalogURL = "https://catalogue.dataspace.copernicus.eu/odata/v1"
	copernicusClientID   = "cdse-public"
	copernicusPageSize   = 200
)

type copernicusCollection struct {
	collection string
	contains   string
}

var copernicusCollections = map[string]copernicusCollection{
	"SENTINEL-1":          {"SENTINEL-1", ""},
	"SENTINEL-2-MSI":      {"SENTINEL-2", "_MSI"},
	"SENTINEL-3-OLCI-FR":  {"SENTINEL-3", "_OL_1_EFR"},
	"SENTINEL-5P-TROPOMI": {"SENTINEL-5P", ""},
}

// Copernicus queries and downloads Sentinel products from the Copernicus
// Data Space Ecosystem (OData catalogue + OIDC token endpoint)
type Copernicus struct {
	TokenURL   string
	CatalogURL string
	PageSize   int

	mu   sync.Mutex
	auth *AuthContext
}

func NewCopernicus() *Copernicus {
	return &Copernicus{
		TokenURL:   copernicusTokenURL,
		CatalogURL: copernicusCatalogURL,
		PageSize:   copernicusPageSize,
	}
}

func (p *Copernicus) Name() string { return "Copernicus" }
func (p *Copernicus) Key() string  { return "dataspace.copernicus.eu" }

func (p *Copernicus) Supports(sensorID string) bool {
	_, ok := copernicusCollections[sensorID]
	return ok
}

func (p *Copernicus) Authenticate(ctx context.Context, cred credentials.Credential) (*AuthContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.auth.Valid() {
		return p.auth, nil
	}

	conf := oauth2.Config{
		ClientID: copernicusClientID,
		// the CDSE public client expects client_id in the form body,
		// never Basic auth
		Endpoint: oauth2.Endpoint{TokenURL: p.TokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}
	token, err := conf.PasswordCredentialsToken(ctx, cred.Login, cred.Secret)
	if err != nil {
		return nil, &AuthError{Provider: p.Name(), Err: err}
	}
	p.auth = &AuthContext{Token: token.AccessToken, Expires: token.Expiry}
	return p.auth, nil
}

func (p *Copernicus) Search(ctx context.Context, auth *AuthContext, sensorID string, criteria common.SearchCriteria) (*ResultSet, error) {
	coll, ok := copernicusCollections[sensorID]
	if !ok {
		return nil, fmt.Errorf("Copernicus: unsupported sensor: %s", sensorID)
	}
	if err := criteria.Validate(); err != nil {
		return nil, err
	}

	filters := []string{
		fmt.Sprintf("Collection/Name eq '%s'", coll.collection),
		fmt.Sprintf("ContentDate/Start ge %s", criteria.Start.UTC().Format("2006-01-02T15:04:05.000Z")),
		fmt.Sprintf("ContentDate/Start le %s", criteria.End.UTC().Format("2006-01-02T15:04:05.000Z")),
	}
	if criteria.AOI != nil {
		wkt, err := geometry.EncodeWKT(criteria.AOI)
		if err != nil {
			return nil, fmt.Errorf("Copernicus.Search: %w", err)
		}
		filters = append(filters, fmt.Sprintf("OData.CSC.Intersects(area=geography'SRID=4326;%s')", wkt))
	}
	if coll.contains != "" {
		filters = append(filters, fmt.Sprintf("contains(Name,'%s')", coll.contains))
	}
	for _, substr := range criteria.NameContains {
		filters = append(filters, fmt.Sprintf("contains(Name,'%s')", substr))
	}
	if criteria.CloudCoverMax > 0 {
		filters = append(filters, fmt.Sprintf(
			"Attributes/OData.CSC.DoubleAttribute/any(att:att/Name eq 'cloudCover' and att/OData.CSC.DoubleAttribute/Value le %.2f)",
			criteria.CloudCoverMax))
	}
	filter := strings.Join(filters, " and ")

	pageSize := p.PageSize
	return NewResultSet(func(ctx context.Context, page int) ([]common.AcquisitionRecord, bool, error) {
		query := url.Values{
			"$filter":  []string{filter},
			"$orderby": []string{"ContentDate/Start asc"},
			"$top":     []string{fmt.Sprintf("%d", pageSize)},
			"$skip":    []string{fmt.Sprintf("%d", page*pageSize)},
		}
		records, err := p.searchPage(ctx, auth, urlWithQuery(p.CatalogURL+"/Products", query))
		if err != nil {
			return nil, false, err
		}
		return records, len(records) == pageSize, nil
	}), nil
}

func (p *Copernicus) searchPage(ctx context.Context, auth *AuthContext, searchURL string) ([]common.AcquisitionRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, service.MakeFatal(fmt.Errorf("Copernicus.searchPage: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+auth.Token)
	body, err := service.GetBodyRetryReq(req, 3)
	if err != nil {
		return nil, fmt.Errorf("Copernicus.searchPage: %w", err)
	}

	var payload struct {
		Value []struct {
			ID          string `json:"Id"`
			Name        string `json:"Name"`
			ContentDate struct {
				Start string `json:"Start"`
			} `json:"ContentDate"`
			ContentLength int64           `json:"ContentLength"`
			GeoFootprint  json.RawMessage `json:"GeoFootprint"`
		} `json:"value"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("Copernicus.searchPage.Unmarshal: %w", err)
	}

	records := make([]common.AcquisitionRecord, 0, len(payload.Value))
	for _, product := range payload.Value {
		record := common.AcquisitionRecord{
			ID:             product.ID,
			Name:           strings.TrimSuffix(product.Name, "."+string(service.ExtensionSAFE)),
			SizeBytes:      product.ContentLength,
			DownloadHandle: fmt.Sprintf("%s/Products(%s)/$value", p.CatalogURL, product.ID),
			Metadata:       map[string]string{"provider": p.Key()},
		}
		if record.AcquisitionTime, err = parseTime(product.ContentDate.Start); err != nil {
			return nil, fmt.Errorf("Copernicus.searchPage[%s]: %w", product.Name, err)
		}
		if len(product.GeoFootprint) > 0 {
			if record.Footprint, err = geometry.DecodeGeoJSON(product.GeoFootprint); err != nil {
				return nil, fmt.Errorf("Copernicus.searchPage[%s]: %w", product.Name, err)
			}
		}
		records = append(records, record)
	}
	return records, nil
}

func (p *Copernicus) Fetch(ctx context.Context, auth *AuthContext, record common.AcquisitionRecord, destPath string) error {
	if !auth.Valid() {
		return &AuthError{Provider: p.Name(), Expired: true, Err: fmt.Errorf("token expired %s ago", time.Since(auth.Expires))}
	}
	return fetchURL(ctx, record.DownloadHandle, destPath, record.Name, fetchOptions{
		header:             "Authorization",
		headerValue:        "Bearer " + auth.Token,
		copyAuthOnRedirect: true,
	})
}

// Metadata returns the product attributes, flattened to strings. The
// quicklook asset link, when the catalogue exposes one, is under "quicklook".
func (p *Copernicus) Metadata(ctx context.Context, auth *AuthContext, record common.AcquisitionRecord) (map[string]string, error) {
	query := url.Values{
		"$filter": []string{fmt.Sprintf("Id eq '%s'", record.ID)},
		"$expand": []string{"Attributes,Assets"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlWithQuery(p.CatalogURL+"/Products", query), nil)
	if err != nil {
		return nil, service.MakeFatal(fmt.Errorf("Copernicus.Metadata: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+auth.Token)
	body, err := service.GetBodyRetryReq(req, 3)
	if err != nil {
		return nil, fmt.Errorf("Copernicus.Metadata[%s]: %w", record.Name, err)
	}

	var payload struct {
		Value []struct {
			Attributes []struct {
				Name  string `json:"Name"`
				Value any    `json:"Value"`
			} `json:"Attributes"`
			Assets []struct {
				DownloadLink string `json:"DownloadLink"`
			} `json:"Assets"`
		} `json:"value"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("Copernicus.Metadata[%s].Unmarshal: %w", record.Name, err)
	}
	if len(payload.Value) != 1 {
		return nil, ErrProductNotFound{record.Name}
	}

	meta := map[string]string{}
	for _, attr := range payload.Value[0].Attributes {
		meta[attr.Name] = fmt.Sprintf("%v", attr.Value)
	}
	if assets := payload.Value[0].Assets; len(assets) > 0 {
		meta["quicklook"] = assets[0].DownloadLink
	}
	return meta, nil
}

// Quicklook downloads the preview image of a product into destDir and
// returns its path. An already present image is kept.
func (p *Copernicus) Quicklook(ctx context.Context, auth *AuthContext, record common.AcquisitionRecord, destDir string) (string, error) {
	target := filepath.Join(destDir, record.Name+".jpeg")
	if _, err := os.Stat(target); err == nil {
		return target, nil
	}
	meta, err := p.Metadata(ctx, auth, record)
	if err != nil {
		return "", err
	}
	link, ok := meta["quicklook"]
	if !ok {
		return "", fmt.Errorf("Copernicus.Quicklook[%s]: no quicklook asset", record.Name)
	}
	if err := fetchURL(ctx, link, target, record.Name+".jpeg", fetchOptions{
		header:             "Authorization",
		headerValue:        "Bearer " + auth.Token,
		copyAuthOnRedirect: true,
		noResume:           true,
	}); err != nil {
		return "", err
	}
	return target, nil
}
