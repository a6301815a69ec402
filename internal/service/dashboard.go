package service

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-labflow/internal/domain/laborder"
)

// Dashboard holds the laboratory overview counters.
type Dashboard struct {
	TotalOrders     int                            `json:"total_orders"`
	TotalTests      int                            `json:"total_tests"`
	TestsByState    map[laborder.State]int         `json:"tests_by_state"`
	OrdersByStatus  map[laborder.OverallStatus]int `json:"orders_by_status"`
	AwaitingVerify  int                            `json:"awaiting_verification"`
	OutstandingSTAT []StatOrder                    `json:"outstanding_stat_orders"`
}

// StatOrder is a STAT order that still has unverified tests.
type StatOrder struct {
	OrderID         string    `json:"order_id"`
	Code            string    `json:"order_code"`
	PatientRef      string    `json:"patient_ref"`
	OrderedAt       time.Time `json:"ordered_at"`
	ProgressPercent int       `json:"progress_percent"`
	OpenTests       int       `json:"open_tests"`
}

// Dashboard summarizes every order currently held.
func (s *Service) Dashboard(ctx context.Context) (*Dashboard, error) {
	orders, err := s.ListOrders(ctx, laborder.OrderFilter{})
	if err != nil {
		return nil, err
	}

	d := &Dashboard{
		TotalOrders:     len(orders),
		TestsByState:    make(map[laborder.State]int, len(laborder.States)),
		OrdersByStatus:  make(map[laborder.OverallStatus]int),
		OutstandingSTAT: []StatOrder{},
	}
	for _, st := range laborder.States {
		d.TestsByState[st] = 0
	}
	for _, o := range orders {
		d.OrdersByStatus[o.OverallStatus]++
		open := 0
		for _, t := range o.Tests {
			d.TotalTests++
			d.TestsByState[t.State]++
			if t.State != laborder.StateVerified {
				open++
			}
		}
		if o.Priority == laborder.PrioritySTAT && open > 0 {
			d.OutstandingSTAT = append(d.OutstandingSTAT, StatOrder{
				OrderID:         o.ID,
				Code:            o.Code,
				PatientRef:      o.PatientRef,
				OrderedAt:       o.OrderedAt,
				ProgressPercent: o.ProgressPercent,
				OpenTests:       open,
			})
		}
	}
	d.AwaitingVerify = d.TestsByState[laborder.StateResultsReady]

	sort.SliceStable(d.OutstandingSTAT, func(i, j int) bool {
		return d.OutstandingSTAT[i].OrderedAt.Before(d.OutstandingSTAT[j].OrderedAt)
	})
	return d, nil
}

// QueueItem is one test awaiting verification.
type QueueItem struct {
	OrderID     string                `json:"order_id"`
	OrderCode   string                `json:"order_code"`
	Priority    laborder.Priority     `json:"priority"`
	PatientRef  string                `json:"patient_ref"`
	Test        laborder.TestSnapshot `json:"test"`
	SubmittedAt time.Time             `json:"submitted_at"`
}

var priorityRank = map[laborder.Priority]int{
	laborder.PrioritySTAT:    0,
	laborder.PriorityUrgent:  1,
	laborder.PriorityRoutine: 2,
}

// VerificationQueue lists tests in results_ready, most urgent first and
// then oldest submission first.
func (s *Service) VerificationQueue(ctx context.Context) ([]QueueItem, error) {
	orders, err := s.ListOrders(ctx, laborder.OrderFilter{TestState: laborder.StateResultsReady})
	if err != nil {
		return nil, err
	}

	queue := []QueueItem{}
	for _, o := range orders {
		for _, t := range o.Tests {
			if t.State != laborder.StateResultsReady {
				continue
			}
			item := QueueItem{
				OrderID:    o.ID,
				OrderCode:  o.Code,
				Priority:   o.Priority,
				PatientRef: o.PatientRef,
				Test:       t,
			}
			if t.SubmittedAt != nil {
				item.SubmittedAt = *t.SubmittedAt
			}
			queue = append(queue, item)
		}
	}

	sort.SliceStable(queue, func(i, j int) bool {
		ri, rj := priorityRank[queue[i].Priority], priorityRank[queue[j].Priority]
		if ri != rj {
			return ri < rj
		}
		return queue[i].SubmittedAt.Before(queue[j].SubmittedAt)
	})
	return queue, nil
}

// BatchItem names one test to verify.
type BatchItem struct {
	OrderID string `json:"order_id"`
	TestID  string `json:"test_id"`
}

// BatchVerify is the request to verify several tests at once.
type BatchVerify struct {
	Verifier       string                  `json:"verifier"`
	Notes          string                  `json:"notes,omitempty"`
	Interpretation laborder.Interpretation `json:"interpretation,omitempty"`
	Items          []BatchItem             `json:"items,omitempty"`
}

// BatchResult reports the outcome for one test.
type BatchResult struct {
	OrderID string             `json:"order_id"`
	TestID  string             `json:"test_id"`
	OK      bool               `json:"ok"`
	Kind    laborder.ErrorKind `json:"kind,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// VerifyBatch verifies each listed test independently; one failure does not
// stop the rest. With no items it verifies the whole verification queue.
func (s *Service) VerifyBatch(ctx context.Context, req BatchVerify) ([]BatchResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.verify_batch",
		trace.WithAttributes(attribute.Int("items", len(req.Items))))
	defer span.End()

	items := req.Items
	if len(items) == 0 {
		queue, err := s.VerificationQueue(ctx)
		if err != nil {
			return nil, err
		}
		for _, q := range queue {
			items = append(items, BatchItem{OrderID: q.OrderID, TestID: q.Test.ID})
		}
	}

	results := make([]BatchResult, 0, len(items))
	verified := 0
	for _, it := range items {
		res := BatchResult{OrderID: it.OrderID, TestID: it.TestID}
		_, err := s.ApplyCommand(ctx, it.OrderID, it.TestID, CommandVerify, Payload{
			Actor:          req.Verifier,
			Notes:          req.Notes,
			Interpretation: req.Interpretation,
		})
		if err != nil {
			res.Kind, res.Error = laborder.KindOf(err), err.Error()
		} else {
			res.OK = true
			verified++
		}
		results = append(results, res)
	}

	s.logger.Info("batch verification finished",
		zap.Int("requested", len(items)),
		zap.Int("verified", verified))
	return results, nil
}
