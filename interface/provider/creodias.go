package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/earthscan/sand/common"
	"github.com/earthscan/sand/credentials"
	"github.com/earthscan/sand/service"
	"github.com/earthscan/sand/service/geometry"
)

const (
	creodiasTokenURL  = "https://identity.cloudferro.com/auth/realms/Creodias-new/protocol/openid-connect/token"
	creodiasSearchURL = "https://datahub.creodias.eu/resto/api/collections"
	creodiasClientID  = "CLOUDFERRO_PUBLIC"
	creodiasPageSize  = 200
)

var creodiasCollections = map[string]copernicusCollection{
	"SENTINEL-1":          {"Sentinel1", ""},
	"SENTINEL-2-MSI":      {"Sentinel2", "_MSI"},
	"SENTINEL-3-OLCI-FR":  {"Sentinel3", "_OL_1_EFR"},
	"SENTINEL-5P-TROPOMI": {"Sentinel5P", ""},
}

// Creodias queries and downloads Sentinel products from the CREODIAS resto
// catalogue. Its identity service requires a one-time code on top of the
// password grant, derived from the credential's TOTP secret at each refresh.
type Creodias struct {
	TokenURL  string
	SearchURL string
	PageSize  int

	mu   sync.Mutex
	auth *AuthContext
}

func NewCreodias() *Creodias {
	return &Creodias{
		TokenURL:  creodiasTokenURL,
		SearchURL: creodiasSearchURL,
		PageSize:  creodiasPageSize,
	}
}

func (p *Creodias) Name() string { return "Creodias" }
func (p *Creodias) Key() string  { return "creodias.eu" }

func (p *Creodias) Supports(sensorID string) bool {
	_, ok := creodiasCollections[sensorID]
	return ok
}

func (p *Creodias) Authenticate(ctx context.Context, cred credentials.Credential) (*AuthContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.auth.Valid() {
		return p.auth, nil
	}

	form := url.Values{
		"client_id":  []string{creodiasClientID},
		"grant_type": []string{"password"},
		"username":   []string{cred.Login},
		"password":   []string{cred.Secret},
	}
	if cred.TOTPSecret != "" {
		code, err := totpCode(cred.TOTPSecret)
		if err != nil {
			return nil, &AuthError{Provider: p.Name(), Err: err}
		}
		form.Set("totp", code)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &AuthError{Provider: p.Name(), Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	body, err := service.GetBodyRetryReq(req, 3)
	if err != nil {
		return nil, &AuthError{Provider: p.Name(), Err: err}
	}

	var token struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, &AuthError{Provider: p.Name(), Err: fmt.Errorf("unmarshal token: %w", err)}
	}
	if token.AccessToken == "" {
		return nil, &AuthError{Provider: p.Name(), Err: fmt.Errorf("empty access token")}
	}
	p.auth = &AuthContext{
		Token:   token.AccessToken,
		Expires: time.Now().Add(time.Duration(token.ExpiresIn) * time.Second),
	}
	return p.auth, nil
}

func (p *Creodias) Search(ctx context.Context, auth *AuthContext, sensorID string, criteria common.SearchCriteria) (*ResultSet, error) {
	coll, ok := creodiasCollections[sensorID]
	if !ok {
		return nil, fmt.Errorf("Creodias: unsupported sensor: %s", sensorID)
	}
	if err := criteria.Validate(); err != nil {
		return nil, err
	}

	query := url.Values{
		"startDate":      []string{criteria.Start.UTC().Format(time.RFC3339)},
		"completionDate": []string{criteria.End.UTC().Format(time.RFC3339)},
		"sortParam":      []string{"startDate"},
		"sortOrder":      []string{"ascending"},
		"status":         []string{"ONLINE"},
		"dataset":        []string{"ESA-DATASET"},
	}
	if criteria.AOI != nil {
		wkt, err := geometry.EncodeWKT(criteria.AOI)
		if err != nil {
			return nil, fmt.Errorf("Creodias.Search: %w", err)
		}
		query.Set("geometry", wkt)
	}
	if coll.contains != "" {
		query.Set("productIdentifier", "%"+coll.contains+"%")
	}
	if criteria.CloudCoverMax > 0 {
		query.Set("cloudCover", fmt.Sprintf("[0,%g]", criteria.CloudCoverMax))
	}

	pageSize := p.PageSize
	searchURL := fmt.Sprintf("%s/%s/search.json", p.SearchURL, coll.collection)
	return NewResultSet(func(ctx context.Context, page int) ([]common.AcquisitionRecord, bool, error) {
		pageQuery := url.Values{}
		for key, vals := range query {
			pageQuery[key] = vals
		}
		pageQuery.Set("maxRecords", fmt.Sprintf("%d", pageSize))
		pageQuery.Set("page", fmt.Sprintf("%d", page+1))
		records, err := p.searchPage(ctx, urlWithQuery(searchURL, pageQuery))
		if err != nil {
			return nil, false, err
		}
		return records, len(records) == pageSize, nil
	}), nil
}

func (p *Creodias) searchPage(ctx context.Context, searchURL string) ([]common.AcquisitionRecord, error) {
	body, err := service.GetBodyRetry(searchURL, 3)
	if err != nil {
		return nil, fmt.Errorf("Creodias.searchPage: %w", err)
	}

	var payload struct {
		Features []struct {
			ID         string          `json:"id"`
			Geometry   json.RawMessage `json:"geometry"`
			Properties struct {
				Title     string `json:"title"`
				StartDate string `json:"startDate"`
				Services  struct {
					Download struct {
						URL  string `json:"url"`
						Size int64  `json:"size"`
					} `json:"download"`
				} `json:"services"`
			} `json:"properties"`
		} `json:"features"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("Creodias.searchPage.Unmarshal: %w", err)
	}

	records := make([]common.AcquisitionRecord, 0, len(payload.Features))
	for _, feature := range payload.Features {
		record := common.AcquisitionRecord{
			ID:             feature.ID,
			Name:           strings.TrimSuffix(strings.TrimSuffix(feature.Properties.Title, "."+string(service.ExtensionSAFE)), "."+string(service.ExtensionNC)),
			SizeBytes:      feature.Properties.Services.Download.Size,
			DownloadHandle: feature.Properties.Services.Download.URL,
			Metadata:       map[string]string{"provider": p.Key()},
		}
		if record.AcquisitionTime, err = parseTime(feature.Properties.StartDate); err != nil {
			return nil, fmt.Errorf("Creodias.searchPage[%s]: %w", feature.Properties.Title, err)
		}
		if len(feature.Geometry) > 0 {
			if record.Footprint, err = geometry.DecodeGeoJSON(feature.Geometry); err != nil {
				return nil, fmt.Errorf("Creodias.searchPage[%s]: %w", feature.Properties.Title, err)
			}
		}
		records = append(records, record)
	}
	return records, nil
}

func (p *Creodias) Fetch(ctx context.Context, auth *AuthContext, record common.AcquisitionRecord, destPath string) error {
	if !auth.Valid() {
		return &AuthError{Provider: p.Name(), Expired: true, Err: fmt.Errorf("token expired %s ago", time.Since(auth.Expires))}
	}
	return fetchURL(ctx, record.DownloadHandle, destPath, record.Name, fetchOptions{
		header:             "Authorization",
		headerValue:        "Bearer " + auth.Token,
		copyAuthOnRedirect: true,
	})
}
