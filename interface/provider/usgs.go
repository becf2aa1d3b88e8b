package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-spatial/geom"

	"github.com/earthscan/sand/common"
	"github.com/earthscan/sand/credentials"
	"github.com/earthscan/sand/service"
	"github.com/earthscan/sand/service/geometry"
)

const (
	usgsAPIURL   = "https://m2m.cr.usgs.gov/api/api/json/stable"
	usgsPageSize = 100
	// M2M keys stay valid for two hours
	usgsSessionTTL = 2 * time.Hour
)

var usgsDatasets = map[string]string{
	"LANDSAT-5-TM":  "landsat_tm_c2_l1",
	"LANDSAT-7-ETM": "landsat_etm_c2_l1",
	"LANDSAT-8-OLI": "landsat_ot_c2_l1",
	"LANDSAT-9-OLI": "landsat_ot_c2_l1",
}

// USGS queries and downloads Landsat products through the USGS M2M API. The
// credential secret is an application token generated from the EROS profile
// page, not the account password.
type USGS struct {
	APIURL   string
	PageSize int

	mu   sync.Mutex
	auth *AuthContext
}

func NewUSGS() *USGS {
	return &USGS{APIURL: usgsAPIURL, PageSize: usgsPageSize}
}

func (p *USGS) Name() string { return "USGS" }
func (p *USGS) Key() string  { return "usgs.gov" }

func (p *USGS) Supports(sensorID string) bool {
	_, ok := usgsDatasets[sensorID]
	return ok
}

// request posts a M2M payload and returns the data part of the response
func (p *USGS) request(ctx context.Context, auth *AuthContext, endpoint string, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, service.MakeFatal(fmt.Errorf("USGS.request.Marshal: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.APIURL+"/"+endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, service.MakeFatal(fmt.Errorf("USGS.request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != nil {
		req.Header.Set("X-Auth-Token", auth.Token)
	}
	body, err := service.GetBodyRetryReq(req, 3)
	if err != nil {
		return nil, fmt.Errorf("USGS.request[%s]: %w", endpoint, err)
	}

	var resp struct {
		Data         json.RawMessage `json:"data"`
		ErrorCode    string          `json:"errorCode"`
		ErrorMessage string          `json:"errorMessage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("USGS.request[%s].Unmarshal: %w", endpoint, err)
	}
	if resp.ErrorCode != "" {
		err := fmt.Errorf("USGS.request[%s]: %s: %s", endpoint, resp.ErrorCode, resp.ErrorMessage)
		switch resp.ErrorCode {
		case "AUTH_INVALID", "AUTH_UNAUTHORIZED", "AUTH_KEY_INVALID":
			return nil, &AuthError{Provider: p.Name(), Expired: auth != nil, Err: err}
		case "RATE_LIMIT", "SERVER_ERROR":
			return nil, service.MakeTemporary(err)
		}
		return nil, err
	}
	return resp.Data, nil
}

func (p *USGS) Authenticate(ctx context.Context, cred credentials.Credential) (*AuthContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.auth.Valid() {
		return p.auth, nil
	}

	data, err := p.request(ctx, nil, "login-token", map[string]string{
		"username": cred.Login,
		"token":    cred.Secret,
	})
	if err != nil {
		if _, ok := err.(*AuthError); ok {
			return nil, err
		}
		return nil, &AuthError{Provider: p.Name(), Err: err}
	}
	var key string
	if err := json.Unmarshal(data, &key); err != nil || key == "" {
		return nil, &AuthError{Provider: p.Name(), Err: fmt.Errorf("unexpected login response: %s", data)}
	}
	p.auth = &AuthContext{Token: key, Expires: time.Now().Add(usgsSessionTTL)}
	return p.auth, nil
}

func (p *USGS) Search(ctx context.Context, auth *AuthContext, sensorID string, criteria common.SearchCriteria) (*ResultSet, error) {
	dataset, ok := usgsDatasets[sensorID]
	if !ok {
		return nil, fmt.Errorf("USGS: unsupported sensor: %s", sensorID)
	}
	if err := criteria.Validate(); err != nil {
		return nil, err
	}

	sceneFilter := map[string]any{
		"acquisitionFilter": map[string]string{
			"start": criteria.Start.UTC().Format("2006-01-02"),
			"end":   criteria.End.UTC().Format("2006-01-02"),
		},
	}
	if criteria.AOI != nil {
		extent, err := geom.NewExtentFromGeometry(criteria.AOI)
		if err != nil {
			return nil, fmt.Errorf("USGS.Search: %w", err)
		}
		sceneFilter["spatialFilter"] = map[string]any{
			"filterType": "mbr",
			"lowerLeft":  map[string]float64{"longitude": extent.MinX(), "latitude": extent.MinY()},
			"upperRight": map[string]float64{"longitude": extent.MaxX(), "latitude": extent.MaxY()},
		}
	}
	if criteria.CloudCoverMax > 0 {
		sceneFilter["cloudCoverFilter"] = map[string]any{
			"min": 0, "max": int(criteria.CloudCoverMax), "includeUnknown": false,
		}
	}

	pageSize := p.PageSize
	return NewResultSet(func(ctx context.Context, page int) ([]common.AcquisitionRecord, bool, error) {
		data, err := p.request(ctx, auth, "scene-search", map[string]any{
			"datasetName":    dataset,
			"sceneFilter":    sceneFilter,
			"maxResults":     pageSize,
			"startingNumber": page*pageSize + 1,
			"sortField":      "acquisitionDate",
			"sortDirection":  "ASC",
		})
		if err != nil {
			return nil, false, err
		}

		var result struct {
			Results []struct {
				EntityID         string          `json:"entityId"`
				DisplayID        string          `json:"displayId"`
				SpatialBounds    json.RawMessage `json:"spatialBounds"`
				CloudCover       float64         `json:"cloudCover"`
				TemporalCoverage struct {
					StartDate string `json:"startDate"`
				} `json:"temporalCoverage"`
			} `json:"results"`
			RecordsReturned int `json:"recordsReturned"`
			TotalHits       int `json:"totalHits"`
		}
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, false, fmt.Errorf("USGS.Search.Unmarshal: %w", err)
		}

		records := make([]common.AcquisitionRecord, 0, len(result.Results))
		for _, scene := range result.Results {
			record := common.AcquisitionRecord{
				ID:             scene.EntityID,
				Name:           scene.DisplayID,
				DownloadHandle: scene.EntityID,
				Metadata: map[string]string{
					"provider":   p.Key(),
					"dataset":    dataset,
					"cloudCover": fmt.Sprintf("%g", scene.CloudCover),
				},
			}
			if record.AcquisitionTime, err = parseTime(scene.TemporalCoverage.StartDate); err != nil {
				return nil, false, fmt.Errorf("USGS.Search[%s]: %w", scene.DisplayID, err)
			}
			if len(scene.SpatialBounds) > 0 {
				if record.Footprint, err = geometry.DecodeGeoJSON(scene.SpatialBounds); err != nil {
					return nil, false, fmt.Errorf("USGS.Search[%s]: %w", scene.DisplayID, err)
				}
			}
			records = append(records, record)
		}
		return records, page*pageSize+result.RecordsReturned < result.TotalHits, nil
	}), nil
}

func (p *USGS) Fetch(ctx context.Context, auth *AuthContext, record common.AcquisitionRecord, destPath string) error {
	if !auth.Valid() {
		return &AuthError{Provider: p.Name(), Expired: true, Err: fmt.Errorf("session expired %s ago", time.Since(auth.Expires))}
	}
	dataset := record.Metadata["dataset"]
	if dataset == "" {
		return service.MakeFatal(fmt.Errorf("USGS.Fetch[%s]: record has no dataset", record.Name))
	}

	data, err := p.request(ctx, auth, "download-options", map[string]any{
		"datasetName": dataset,
		"entityIds":   []string{record.DownloadHandle},
	})
	if err != nil {
		return err
	}
	var options []struct {
		ID             string `json:"id"`
		EntityID       string `json:"entityId"`
		Available      bool   `json:"available"`
		DownloadSystem string `json:"downloadSystem"`
		ProductName    string `json:"productName"`
	}
	if err := json.Unmarshal(data, &options); err != nil {
		return fmt.Errorf("USGS.Fetch[%s].Unmarshal: %w", record.Name, err)
	}
	productID := ""
	for _, option := range options {
		if option.Available && option.DownloadSystem != "folder" {
			productID = option.ID
			break
		}
	}
	if productID == "" {
		return ErrProductNotFound{record.Name}
	}

	data, err = p.request(ctx, auth, "download-request", map[string]any{
		"downloads": []map[string]string{{"entityId": record.DownloadHandle, "productId": productID}},
	})
	if err != nil {
		return err
	}
	var request struct {
		AvailableDownloads []struct {
			URL string `json:"url"`
		} `json:"availableDownloads"`
		PreparingDownloads []struct {
			URL string `json:"url"`
		} `json:"preparingDownloads"`
	}
	if err := json.Unmarshal(data, &request); err != nil {
		return fmt.Errorf("USGS.Fetch[%s].Unmarshal: %w", record.Name, err)
	}
	if len(request.AvailableDownloads) == 0 {
		if len(request.PreparingDownloads) > 0 {
			return service.MakeTemporary(fmt.Errorf("USGS.Fetch[%s]: download is being staged", record.Name))
		}
		return ErrProductNotFound{record.Name}
	}

	// urls are pre-signed, no auth header needed
	return fetchURL(ctx, request.AvailableDownloads[0].URL, destPath, record.Name, fetchOptions{})
}

// sceneMetadata fetches the full scene record from the M2M api
func (p *USGS) sceneMetadata(ctx context.Context, auth *AuthContext, record common.AcquisitionRecord) (fields map[string]string, browse []string, err error) {
	if !auth.Valid() {
		return nil, nil, &AuthError{Provider: p.Name(), Expired: true, Err: fmt.Errorf("session expired %s ago", time.Since(auth.Expires))}
	}
	data, err := p.request(ctx, auth, "scene-metadata", map[string]any{
		"datasetName":  record.Metadata["dataset"],
		"entityId":     record.DownloadHandle,
		"metadataType": "full",
	})
	if err != nil {
		return nil, nil, err
	}
	var scene struct {
		Metadata []struct {
			FieldName string `json:"fieldName"`
			Value     any    `json:"value"`
		} `json:"metadata"`
		Browse []struct {
			BrowsePath string `json:"browsePath"`
		} `json:"browse"`
	}
	if err := json.Unmarshal(data, &scene); err != nil {
		return nil, nil, fmt.Errorf("USGS.sceneMetadata[%s].Unmarshal: %w", record.Name, err)
	}

	fields = map[string]string{}
	for _, m := range scene.Metadata {
		fields[m.FieldName] = fmt.Sprintf("%v", m.Value)
	}
	for _, b := range scene.Browse {
		browse = append(browse, b.BrowsePath)
	}
	return fields, browse, nil
}

// Metadata returns the full scene attributes keyed by their M2M field name
func (p *USGS) Metadata(ctx context.Context, auth *AuthContext, record common.AcquisitionRecord) (map[string]string, error) {
	fields, _, err := p.sceneMetadata(ctx, auth, record)
	return fields, err
}

// Quicklook downloads the browse image of a scene into destDir and returns
// its path. An already present image is kept.
func (p *USGS) Quicklook(ctx context.Context, auth *AuthContext, record common.AcquisitionRecord, destDir string) (string, error) {
	target := filepath.Join(destDir, record.Name+".png")
	if _, err := os.Stat(target); err == nil {
		return target, nil
	}
	_, browse, err := p.sceneMetadata(ctx, auth, record)
	if err != nil {
		return "", err
	}
	if len(browse) == 0 {
		return "", fmt.Errorf("USGS.Quicklook[%s]: no browse image", record.Name)
	}
	// browse urls are public, no auth header needed
	if err := fetchURL(ctx, browse[0], target, record.Name+".png", fetchOptions{noResume: true}); err != nil {
		return "", err
	}
	return target, nil
}
