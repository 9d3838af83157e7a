package link

import (
	"context"
	"errors"

	"github.com/golang/glog"
)

type CallState string

const (
	CallStateIdle    CallState = "idle"
	CallStateRinging CallState = "ringing"
	CallStateActive  CallState = "active"
)

// a call-capable line (sim subscription) enumerated from the platform
type LineHandle struct {
	LineId      string `json:"line_id"`
	DisplayName string `json:"display_name"`
	Default     bool   `json:"default"`
}

// the narrow native surface. implementations are platform backends.
// an op a backend cannot perform returns ErrCapabilityUnavailable.
type CallController interface {
	Answer(ctx context.Context) error
	End(ctx context.Context) error
	Place(ctx context.Context, number string, lineId string) error
	Lines(ctx context.Context) ([]LineHandle, error)
	CurrentState(ctx context.Context) (CallState, error)
}

// ordered fallback chain over the platform backends, built once at
// startup instead of version-branching at every call site. an op runs
// on the first backend that supports it. when none does, the gap is
// logged and reported, never silently swallowed.
type NegotiatedCallController struct {
	names       []string
	controllers []CallController
}

func NegotiateCallController(names []string, controllers []CallController) *NegotiatedCallController {
	if len(names) != len(controllers) {
		panic("names and controllers must align")
	}
	return &NegotiatedCallController{
		names:       names,
		controllers: controllers,
	}
}

func (self *NegotiatedCallController) each(op string, fn func(controller CallController) error) error {
	for i, controller := range self.controllers {
		err := fn(controller)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrCapabilityUnavailable) {
			return err
		}
		glog.V(2).Infof("[c]%s unavailable on %s\n", op, self.names[i])
	}
	glog.Infof("[c]capability gap: %s has no backend\n", op)
	return ErrCapabilityUnavailable
}

func (self *NegotiatedCallController) Answer(ctx context.Context) error {
	return self.each("answer", func(controller CallController) error {
		return controller.Answer(ctx)
	})
}

func (self *NegotiatedCallController) End(ctx context.Context) error {
	return self.each("end", func(controller CallController) error {
		return controller.End(ctx)
	})
}

func (self *NegotiatedCallController) Place(ctx context.Context, number string, lineId string) error {
	return self.each("place", func(controller CallController) error {
		return controller.Place(ctx, number, lineId)
	})
}

func (self *NegotiatedCallController) Lines(ctx context.Context) ([]LineHandle, error) {
	var lines []LineHandle
	err := self.each("lines", func(controller CallController) error {
		var err error
		lines, err = controller.Lines(ctx)
		return err
	})
	return lines, err
}

func (self *NegotiatedCallController) CurrentState(ctx context.Context) (CallState, error) {
	state := CallStateIdle
	err := self.each("current state", func(controller CallController) error {
		var err error
		state, err = controller.CurrentState(ctx)
		return err
	})
	return state, err
}

// resolves a requested line against the enumerated call-capable lines.
// no match, or no enumeration support, falls back to the default line.
func ResolveLine(ctx context.Context, controller CallController, requestedLineId string) string {
	if requestedLineId == "" {
		return ""
	}
	lines, err := controller.Lines(ctx)
	if err != nil {
		glog.V(2).Infof("[c]line enumeration unavailable, using default line\n")
		return ""
	}
	for _, line := range lines {
		if line.LineId == requestedLineId {
			return line.LineId
		}
	}
	glog.Infof("[c]line %s not found, using default line\n", requestedLineId)
	return ""
}
