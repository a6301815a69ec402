package service

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-labflow/internal/domain/laborder"
)

// Command names a test transition.
type Command string

const (
	CommandCollect         Command = "collect"
	CommandStartProcessing Command = "start_processing"
	CommandSubmitResults   Command = "submit_results"
	CommandVerify          Command = "verify"
	CommandReject          Command = "reject"
	CommandRework          Command = "rework"
)

// Commands lists every command in pipeline order.
var Commands = []Command{
	CommandCollect, CommandStartProcessing, CommandSubmitResults,
	CommandVerify, CommandReject, CommandRework,
}

var commandAliases = map[string]Command{
	"process": CommandStartProcessing,
	"submit":  CommandSubmitResults,
	"results": CommandSubmitResults,
}

// ParseCommand accepts the command names and a few short aliases.
func ParseCommand(v string) (Command, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, c := range Commands {
		if string(c) == v {
			return c, nil
		}
	}
	if c, ok := commandAliases[v]; ok {
		return c, nil
	}
	return "", laborder.InvalidCommandError("unknown command %q", v)
}

// Payload carries the command arguments. Actor is the collector, processor,
// submitter, verifier or rejector depending on the command.
type Payload struct {
	Actor           string                  `json:"actor"`
	Method          string                  `json:"method,omitempty"`
	Route           string                  `json:"route,omitempty"`
	OutsourcedLab   string                  `json:"outsourced_lab,omitempty"`
	ResultValues    map[string]string       `json:"result_values,omitempty"`
	ResultDocument  *laborder.DocumentRef   `json:"result_document,omitempty"`
	Notes           string                  `json:"notes,omitempty"`
	Interpretation  laborder.Interpretation `json:"interpretation,omitempty"`
	RejectionReason string                  `json:"rejection_reason,omitempty"`
}

// ApplyCommand runs one transition against one test and returns the whole
// order as it stands afterwards. A failed command changes nothing.
func (s *Service) ApplyCommand(ctx context.Context, orderID, testID string, cmd Command, p Payload) (*laborder.OrderSnapshot, error) {
	ctx, span := s.tracer.Start(ctx, "service.apply_command",
		trace.WithAttributes(
			attribute.String("order_id", orderID),
			attribute.String("test_id", testID),
			attribute.String("command", string(cmd)),
		))
	defer span.End()

	if _, err := s.execute(ctx, orderID, testID, cmd, p); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

// execute applies cmd and reports it. Once it returns nil the change is
// committed, whatever happens to the caller afterwards.
func (s *Service) execute(ctx context.Context, orderID, testID string, cmd Command, p Payload) (*laborder.Event, error) {
	start := time.Now()
	event, err := s.apply(ctx, orderID, testID, cmd, p)
	s.metrics.ObserveTransition(string(cmd), outcome(err), time.Since(start))
	if err != nil {
		trace.SpanFromContext(ctx).SetStatus(codes.Error, err.Error())
		s.logger.Info("lab command refused",
			zap.String("order_id", orderID),
			zap.String("test_id", testID),
			zap.String("command", string(cmd)),
			zap.String("kind", string(laborder.KindOf(err))),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("lab test transitioned",
		zap.String("order_id", orderID),
		zap.String("test_id", testID),
		zap.String("command", string(cmd)),
		zap.String("from", string(event.FromState)),
		zap.String("to", string(event.ToState)),
		zap.String("actor", event.Actor))
	s.notify(ctx, event)
	return event, nil
}

func (s *Service) apply(ctx context.Context, orderID, testID string, cmd Command, p Payload) (*laborder.Event, error) {
	fn, err := s.mutation(cmd, p)
	if err != nil {
		return nil, err
	}
	correlation := CorrelationID(ctx)
	return s.repo.MutateTest(ctx, orderID, testID, func(t *laborder.Test) (*laborder.Event, error) {
		e, err := fn(t, s.now())
		if err != nil {
			return nil, err
		}
		return e.WithCorrelation(correlation), nil
	})
}

type transition func(t *laborder.Test, at time.Time) (*laborder.Event, error)

// mutation validates the payload shape and binds it to a lifecycle method.
// State and field checks happen inside the lifecycle against the locked test.
func (s *Service) mutation(cmd Command, p Payload) (transition, error) {
	actor := strings.TrimSpace(p.Actor)

	switch cmd {
	case CommandCollect:
		return func(t *laborder.Test, at time.Time) (*laborder.Event, error) {
			return t.Collect(actor, p.Method, p.Notes, at)
		}, nil

	case CommandStartProcessing:
		return func(t *laborder.Test, at time.Time) (*laborder.Event, error) {
			// The state check comes before route parsing.
			if t.State() != laborder.StateSampleCollected {
				return t.StartProcessing(actor, nil, at)
			}
			route, err := laborder.ParseRoute(p.Route, p.OutsourcedLab)
			if err != nil {
				return nil, err
			}
			return t.StartProcessing(actor, route, at)
		}, nil

	case CommandSubmitResults:
		if p.ResultDocument != nil && len(p.ResultValues) > 0 {
			return nil, laborder.InvalidCommandError("submit either result values or a result document, not both")
		}
		return func(t *laborder.Test, at time.Time) (*laborder.Event, error) {
			if p.ResultDocument != nil {
				return t.SubmitDocument(actor, *p.ResultDocument, p.Notes, at)
			}
			return t.SubmitValues(actor, p.ResultValues, p.Notes, s.registry, at)
		}, nil

	case CommandRework:
		if p.ResultDocument != nil && len(p.ResultValues) > 0 {
			return nil, laborder.InvalidCommandError("rework either result values or a result document, not both")
		}
		return func(t *laborder.Test, at time.Time) (*laborder.Event, error) {
			_, priorDocument := t.Result().(laborder.Document)
			switch {
			case p.ResultDocument != nil:
				return t.ReworkDocument(actor, *p.ResultDocument, p.Notes, at)
			case len(p.ResultValues) == 0 && priorDocument:
				return t.ReworkDocument(actor, laborder.DocumentRef{}, p.Notes, at)
			default:
				return t.ReworkValues(actor, p.ResultValues, p.Notes, s.registry, at)
			}
		}, nil

	case CommandVerify:
		return func(t *laborder.Test, at time.Time) (*laborder.Event, error) {
			return t.Verify(actor, p.Notes, p.Interpretation, at)
		}, nil

	case CommandReject:
		return func(t *laborder.Test, at time.Time) (*laborder.Event, error) {
			return t.Reject(actor, p.RejectionReason, at)
		}, nil
	}
	return nil, laborder.InvalidCommandError("unknown command %q", cmd)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := laborder.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}
