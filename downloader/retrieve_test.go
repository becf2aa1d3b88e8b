package downloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earthscan/sand/common"
	"github.com/earthscan/sand/credentials"
	"github.com/earthscan/sand/interface/provider"
	"github.com/earthscan/sand/pattern"
	"github.com/earthscan/sand/service/geometry"
)

const landsatFootprint = "POLYGON ((119.0 -9.0, 120.0 -9.0, 120.0 -8.0, 119.0 -8.0, 119.0 -9.0))"

func newLocalOrchestrator(t *testing.T) (*Orchestrator, string) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, landsatScene), []byte("scene-bytes"), 0666))
	require.NoError(t, os.WriteFile(filepath.Join(root, landsatScene+".wkt"), []byte(landsatFootprint), 0666))

	p := provider.NewLocal(root, pattern.Default())
	o := New(provider.NewRegistry(p), credentials.Static{"local": {}})
	return o, root
}

// TestQueryByPoint finds the scene whose footprint contains a point of
// interest
func TestQueryByPoint(t *testing.T) {
	o, _ := newLocalOrchestrator(t)

	criteria := common.SearchCriteria{
		Start: time.Date(2005, 12, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2005, 12, 31, 0, 0, 0, 0, time.UTC),
		AOI:   geometry.Point(119.514442, -8.411750),
	}
	records, err := o.Query(context.Background(), "LANDSAT-5-TM", criteria)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, landsatScene, records[0].Name)

	// a point outside the footprint matches nothing
	criteria.AOI = geometry.Point(0, 0)
	records, err = o.Query(context.Background(), "LANDSAT-5-TM", criteria)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRetrieveByNameLocal(t *testing.T) {
	o, _ := newLocalOrchestrator(t)
	destDir := t.TempDir()

	session, err := o.Retrieve(context.Background(), landsatScene, destDir, DownloadOptions{})
	require.NoError(t, err)

	assert.Equal(t, StateComplete, session.State)
	assert.Equal(t, []State{
		StateSearching,
		StateSelecting,
		StateAuthenticating,
		StateFetching,
		StateVerifying,
		StateComplete,
	}, session.History)

	got, err := os.ReadFile(filepath.Join(destDir, landsatScene))
	require.NoError(t, err)
	assert.Equal(t, "scene-bytes", string(got))
}

func TestRetrieveUnknownProduct(t *testing.T) {
	o, _ := newLocalOrchestrator(t)

	session, err := o.Retrieve(context.Background(), "LT05_L1TP_119038_20051211_20200904_02_T1", t.TempDir(), DownloadOptions{})
	require.Error(t, err)
	var notFound provider.ErrProductNotFound
	assert.ErrorAs(t, err, &notFound)
	assert.Equal(t, StateEmpty, session.State)
}

func TestRetrieveMalformedName(t *testing.T) {
	o, _ := newLocalOrchestrator(t)
	_, err := o.Retrieve(context.Background(), "S2A_MSIL1C_garbled", t.TempDir(), DownloadOptions{})
	assert.Error(t, err)
}
