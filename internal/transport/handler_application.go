package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openattest/certflow/internal/lock"
	"github.com/openattest/certflow/internal/metadata"
	"github.com/openattest/certflow/internal/workflow"
	"github.com/openattest/certflow/model"
)

func handleApplicationCreate(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFrom(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}

		var body struct {
			DefinitionID string `json:"definition_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.DefinitionID == "" {
			WriteError(w, model.NewBadRequestError("definition_id is required"))
			return
		}

		inst, err := engine.CreateInstance(r.Context(), body.DefinitionID, actor)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, inst)
	}
}

func handleApplicationList(store workflow.InstanceStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instances, err := store.FindByStatus(r.Context(),
			r.URL.Query().Get("status"),
			r.URL.Query().Get("actor"),
		)
		if err != nil {
			WriteError(w, err)
			return
		}
		if instances == nil {
			instances = []model.WorkflowInstance{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": instances})
	}
}

func handleApplicationGet(store workflow.InstanceStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := store.Get(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleWorkflowTransition(engine *workflow.Engine, store workflow.InstanceStore, locker lock.Locker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFrom(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		instanceID := chi.URLParam(r, "instanceId")

		var body struct {
			Event    string `json:"event"`
			Comments string `json:"comments"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.Event == "" {
			WriteError(w, model.NewBadRequestError("event is required"))
			return
		}

		release, err := locker.Acquire(r.Context(), instanceID)
		if err != nil {
			WriteError(w, err)
			return
		}
		defer release()

		inst, err := store.Get(r.Context(), instanceID)
		if err != nil {
			WriteError(w, err)
			return
		}

		result, err := engine.AttemptWorkflowTransition(r.Context(), &inst, body.Event, actor, body.Comments)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"result":   result,
			"instance": inst,
		})
	}
}

func handleStepTransition(engine *workflow.Engine, store workflow.InstanceStore, locker lock.Locker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFrom(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		instanceID := chi.URLParam(r, "instanceId")
		stepID := chi.URLParam(r, "stepId")

		var body struct {
			Event    string         `json:"event"`
			FormData map[string]any `json:"form_data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.Event == "" {
			WriteError(w, model.NewBadRequestError("event is required"))
			return
		}

		release, err := locker.Acquire(r.Context(), instanceID)
		if err != nil {
			WriteError(w, err)
			return
		}
		defer release()

		inst, err := store.Get(r.Context(), instanceID)
		if err != nil {
			WriteError(w, err)
			return
		}

		result, err := engine.AttemptStepTransition(r.Context(), &inst, stepID, body.Event, actor, body.FormData)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"result":   result,
			"instance": inst,
		})
	}
}

func handleAvailableTransitions(engine *workflow.Engine, store workflow.InstanceStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFrom(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}

		inst, err := store.Get(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}

		transitions := engine.AvailableTransitions(&inst, actor.Role)
		if transitions == nil {
			transitions = []model.TransitionDefinition{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": transitions})
	}
}

func handleStepEvents(engine *workflow.Engine, store workflow.InstanceStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := store.Get(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}

		events := engine.AvailableStepEvents(&inst, chi.URLParam(r, "stepId"))
		if events == nil {
			events = []string{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": events})
	}
}

func handleStepStatus(store workflow.InstanceStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := store.Get(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}

		stepID := chi.URLParam(r, "stepId")
		status := workflow.StepStatus(&inst, stepID)
		WriteJSON(w, http.StatusOK, map[string]any{
			"step_id":      stepID,
			"status":       status,
			"display_name": metadata.StepStatusName(status),
		})
	}
}

func handleTransitionHistory(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := engine.TransitionHistory(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		if records == nil {
			records = []model.TransitionAuditRecord{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": records})
	}
}

func handleStatusInfo(store workflow.InstanceStore, statuses *metadata.StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := store.Get(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}

		info, ok := statuses.StatusInfo(inst.Status)
		if !ok {
			WriteNotFound(w, "unknown workflow status")
			return
		}
		WriteJSON(w, http.StatusOK, info)
	}
}
