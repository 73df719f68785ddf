package transport

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/loom/internal/workflow"
	"github.com/pitabwire/loom/model"
)

// InstanceLister lists the running instances of the tenant in ctx.
// *workflow.Runtime implements it.
type InstanceLister interface {
	Active(ctx context.Context, filters workflow.InstanceFilters) ([]model.WorkflowInstance, error)
}

type instanceList struct {
	Items []instanceSummary `json:"items"`
	Count int               `json:"count"`
}

// instanceSummary leaves out the context document, which may hold
// business data.
type instanceSummary struct {
	ID                string    `json:"id"`
	DefinitionID      string    `json:"definition_id"`
	DefinitionVersion int       `json:"definition_version"`
	Status            string    `json:"status"`
	CurrentNodeIDs    []string  `json:"current_node_ids"`
	StartedBy         string    `json:"started_by,omitempty"`
	StartedAt         time.Time `json:"started_at"`
}

// handleActiveInstances serves GET /admin/tenants/{tenantID}/instances with
// optional definition, limit and offset query parameters.
func handleActiveInstances(lister InstanceLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filters := workflow.InstanceFilters{DefinitionID: q.Get("definition")}
		var err error
		if filters.Limit, err = queryInt(q.Get("limit")); err != nil {
			WriteError(w, model.NewBadRequestError("limit must be a non-negative integer"))
			return
		}
		if filters.Offset, err = queryInt(q.Get("offset")); err != nil {
			WriteError(w, model.NewBadRequestError("offset must be a non-negative integer"))
			return
		}

		ctx := model.WithTenant(r.Context(), chi.URLParam(r, "tenantID"), model.SystemUserID)
		instances, err := lister.Active(ctx, filters)
		if err != nil {
			WriteError(w, err)
			return
		}

		out := instanceList{Items: make([]instanceSummary, 0, len(instances)), Count: len(instances)}
		for _, inst := range instances {
			out.Items = append(out.Items, instanceSummary{
				ID:                inst.ID,
				DefinitionID:      inst.DefinitionID,
				DefinitionVersion: inst.DefinitionVersion,
				Status:            inst.Status,
				CurrentNodeIDs:    inst.CurrentNodeIDs,
				StartedBy:         inst.StartedBy,
				StartedAt:         inst.StartedAt,
			})
		}
		WriteJSON(w, http.StatusOK, out)
	}
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}
