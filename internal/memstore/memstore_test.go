package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rescuegrid/dispatch/internal/model"
	"github.com/rescuegrid/dispatch/internal/repository"
)

func TestUpdateStatusGuardsSourceStatus(t *testing.T) {
	s := NewIncidentStore()
	inc, err := s.CreateIncident(context.Background(), &model.Incident{
		Location: model.Location{Lat: 12.97, Lng: 77.59},
		Severity: model.SeverityMedium,
	})
	require.NoError(t, err)

	require.NoError(t, s.UpdateStatus(context.Background(), inc.ID, model.IncidentReported, model.IncidentRanking))

	// a write expecting the old status loses
	err = s.UpdateStatus(context.Background(), inc.ID, model.IncidentReported, model.IncidentCancelled)
	require.ErrorIs(t, err, repository.ErrStatusConflict)

	stored, err := s.GetIncident(context.Background(), inc.ID)
	require.NoError(t, err)
	require.Equal(t, model.IncidentRanking, stored.Status)

	err = s.UpdateStatus(context.Background(), 999, model.IncidentReported, model.IncidentRanking)
	require.ErrorIs(t, err, repository.ErrIncidentNotFound)
}
