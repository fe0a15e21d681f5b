package orchestrator

import (
	"encoding/json"
	"errors"
	"os"
	"strconv"

	goyaml "gopkg.in/yaml.v3"

	"github.com/oviney/economist-agents-sub003/internal/model"
	"github.com/oviney/economist-agents-sub003/internal/uds"
)

// registerHandlers wires the CLI-facing control plane.
func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok", "pid": pidString()})
	})

	d.server.Handle("scan", func(req *uds.Request) *uds.Response {
		d.scan()
		return uds.SuccessResponse(map[string]string{"status": "scanned"})
	})

	d.server.Handle("shutdown", func(req *uds.Request) *uds.Response {
		d.logger.Infof("shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.server.Handle("submit", d.handleSubmit)
	d.server.Handle("next", d.handleNext)
	d.server.Handle("status", d.handleStatus)
	d.server.Handle("escalations", d.handleEscalations)
	d.server.Handle("resolve", d.handleResolve)
	d.server.Handle("cancel", d.handleCancel)
}

type submitParams struct {
	StoryYAML string `json:"story_yaml"`
}

func (d *Daemon) handleSubmit(req *uds.Request) *uds.Response {
	var params submitParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, "invalid submit params: "+err.Error())
	}
	if params.StoryYAML == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "story_yaml is required")
	}

	var story model.Story
	if err := goyaml.Unmarshal([]byte(params.StoryYAML), &story); err != nil {
		return uds.ErrorResponse(uds.ErrCodeMalformedStory, "parse story: "+err.Error())
	}

	storyID, items, err := d.orch.SubmitStory(story)
	if err != nil {
		return errorToResponse(err)
	}

	itemIDs := make([]string, len(items))
	for i, item := range items {
		itemIDs[i] = item.ID
	}
	return uds.SuccessResponse(map[string]any{
		"story_id": storyID,
		"item_ids": itemIDs,
	})
}

type nextParams struct {
	CapabilityClass string `json:"capability_class"`
	WorkerID        string `json:"worker_id"`
}

func (d *Daemon) handleNext(req *uds.Request) *uds.Response {
	var params nextParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, "invalid next params: "+err.Error())
	}
	if params.CapabilityClass == "" || params.WorkerID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "capability_class and worker_id are required")
	}

	item, err := d.orch.NextReady(params.CapabilityClass, params.WorkerID)
	if err != nil {
		return errorToResponse(err)
	}
	if item == nil {
		return uds.SuccessResponse(map[string]any{"item": nil})
	}
	return uds.SuccessResponse(map[string]any{"item": itemToWire(*item)})
}

type statusParams struct {
	StoryID string `json:"story_id,omitempty"`
}

func (d *Daemon) handleStatus(req *uds.Request) *uds.Response {
	var params statusParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, "invalid status params: "+err.Error())
		}
	}

	if params.StoryID == "" {
		return uds.SuccessResponse(d.orch.GlobalStatus())
	}
	status, err := d.orch.StoryStatus(params.StoryID)
	if err != nil {
		return errorToResponse(err)
	}
	return uds.SuccessResponse(status)
}

func (d *Daemon) handleEscalations(req *uds.Request) *uds.Response {
	pending := escalationSummaries(d.orch.PendingEscalations())
	return uds.SuccessResponse(map[string]any{"escalations": pending})
}

type resolveParams struct {
	EscalationID string `json:"escalation_id"`
	Resolution   string `json:"resolution"`
	Comment      string `json:"comment,omitempty"`
}

func (d *Daemon) handleResolve(req *uds.Request) *uds.Response {
	var params resolveParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, "invalid resolve params: "+err.Error())
	}
	if params.EscalationID == "" || params.Resolution == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "escalation_id and resolution are required")
	}

	esc, err := d.orch.Resolve(params.EscalationID, model.Resolution(params.Resolution), params.Comment)
	if err != nil {
		return errorToResponse(err)
	}
	return uds.SuccessResponse(map[string]any{
		"escalation_id": esc.ID,
		"item_id":       esc.WorkItemID,
		"resolution":    params.Resolution,
	})
}

type cancelParams struct {
	ItemID string `json:"item_id"`
	Reason string `json:"reason,omitempty"`
}

func (d *Daemon) handleCancel(req *uds.Request) *uds.Response {
	var params cancelParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, "invalid cancel params: "+err.Error())
	}
	if params.ItemID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "item_id is required")
	}

	item, err := d.orch.Cancel(params.ItemID, params.Reason)
	if err != nil {
		return errorToResponse(err)
	}
	return uds.SuccessResponse(map[string]any{"item": itemToWire(item)})
}

// errorToResponse maps orchestration errors onto wire error codes.
func errorToResponse(err error) *uds.Response {
	var (
		mse *model.MalformedStoryError
		ite *model.InvalidTransitionError
		cce *model.ClaimConflictError
		are *model.AlreadyResolvedError
	)
	switch {
	case errors.As(err, &mse):
		return uds.ErrorResponse(uds.ErrCodeMalformedStory, err.Error())
	case errors.As(err, &ite):
		return uds.ErrorResponse(uds.ErrCodeInvalidTransition, err.Error())
	case errors.As(err, &cce):
		return uds.ErrorResponse(uds.ErrCodeClaimConflict, err.Error())
	case errors.As(err, &are):
		return uds.ErrorResponse(uds.ErrCodeAlreadyResolved, err.Error())
	case errors.Is(err, model.ErrItemNotFound),
		errors.Is(err, model.ErrStoryNotFound),
		errors.Is(err, model.ErrEscalationNotFound):
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	case errors.Is(err, model.ErrDuplicate):
		return uds.ErrorResponse(uds.ErrCodeDuplicate, err.Error())
	default:
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
}

func itemToWire(item model.WorkItem) map[string]any {
	wire := map[string]any{
		"id":               item.ID,
		"story_id":         item.StoryID,
		"name":             item.Name,
		"capability_class": item.CapabilityClass,
		"priority":         item.Priority,
		"status":           string(item.Status),
		"attempts":         item.Attempts,
	}
	if item.Payload != "" {
		wire["payload"] = item.Payload
	}
	if item.OutputRef != "" {
		wire["output_ref"] = item.OutputRef
	}
	if item.ClaimedBy != nil {
		wire["claimed_by"] = *item.ClaimedBy
	}
	return wire
}

func pidString() string {
	return strconv.Itoa(os.Getpid())
}
