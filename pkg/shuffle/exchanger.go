// Copyright 2025 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shuffle

import (
	"context"
	"time"

	"github.com/meshjoin/meshjoin/pkg/exchange"
	"github.com/meshjoin/meshjoin/pkg/metrics"
	"github.com/meshjoin/meshjoin/pkg/relation"
	"github.com/meshjoin/meshjoin/pkg/util/logutil"
	"github.com/pingcap/errors"
	"go.uber.org/zap"
)

// PreparedLeft is a left table partitioned into the destination-grouped
// send layout, ready for the collective phases.
type PreparedLeft struct {
	Plan *Plan
	Keys []int32
}

// PreparedRight is a right table partitioned into the destination-grouped
// send layout. All three columns went through the same plan.
type PreparedRight struct {
	Plan  *Plan
	Keys  []int32
	Data0 []float64
	Data1 []int32
}

// PrepareLeft validates the table and reorders its key column by
// destination. Pure local work, no collective involved.
func PrepareLeft(t *relation.Left, size int) (*PreparedLeft, error) {
	if err := t.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	plan, err := BuildPlan(t.Keys, size)
	if err != nil {
		return nil, errors.Trace(err)
	}
	keys, err := plan.PermuteInt32(t.Keys)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &PreparedLeft{Plan: plan, Keys: keys}, nil
}

// PrepareRight validates the table and reorders all its columns by
// destination with one shared plan. Pure local work, no collective
// involved.
func PrepareRight(t *relation.Right, size int) (*PreparedRight, error) {
	if err := t.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	plan, err := BuildPlan(t.Keys, size)
	if err != nil {
		return nil, errors.Trace(err)
	}
	keys, err := plan.PermuteInt32(t.Keys)
	if err != nil {
		return nil, errors.Trace(err)
	}
	data0, err := plan.PermuteFloat64(t.Data0)
	if err != nil {
		return nil, errors.Trace(err)
	}
	data1, err := plan.PermuteInt32(t.Data1)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &PreparedRight{Plan: plan, Keys: keys, Data0: data0, Data1: data1}, nil
}

// Exchanger drives the two collective phases of a repartition: a
// fixed-size all-to-all announcing per-destination row counts, then one
// variable all-to-all per column reusing those counts. Left and right
// tables go through identical destination plans, so matching keys meet on
// the owning rank.
type Exchanger struct {
	conn   exchange.Conn
	logger logutil.Logger
}

// NewExchanger creates an Exchanger on top of a group endpoint.
func NewExchanger(conn exchange.Conn) *Exchanger {
	return &Exchanger{
		conn:   conn,
		logger: logutil.L().WithRank(conn.Rank()),
	}
}

func observeCollective(op exchange.Op, start time.Time) {
	metrics.CollectiveSeconds.WithLabelValues(op.String()).Observe(time.Since(start).Seconds())
}

func (e *Exchanger) exchangeInt32(ctx context.Context, send []int32, sendCounts, recvCounts []int) ([]int32, error) {
	defer observeCollective(exchange.OpInt32, time.Now())
	recv, err := e.conn.AllToAllInt32(ctx, send, sendCounts, recvCounts)
	return recv, errors.Trace(err)
}

func (e *Exchanger) exchangeFloat64(ctx context.Context, send []float64, sendCounts, recvCounts []int) ([]float64, error) {
	defer observeCollective(exchange.OpFloat64, time.Now())
	recv, err := e.conn.AllToAllFloat64(ctx, send, sendCounts, recvCounts)
	return recv, errors.Trace(err)
}

// ExchangeCounts runs phase one for a plan: every rank learns how many
// rows each peer is about to send it.
func (e *Exchanger) ExchangeCounts(ctx context.Context, plan *Plan) ([]int, error) {
	defer observeCollective(exchange.OpCounts, time.Now())
	recv, err := e.conn.AllToAllCounts(ctx, plan.Counts)
	return recv, errors.Trace(err)
}

// ExchangeLeftPayload runs phase two for a prepared left table, sizing the
// receive side from recvCounts obtained in phase one.
func (e *Exchanger) ExchangeLeftPayload(ctx context.Context, p *PreparedLeft, recvCounts []int) (*relation.Left, error) {
	keys, err := e.exchangeInt32(ctx, p.Keys, p.Plan.Counts, recvCounts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	out := &relation.Left{Keys: keys}
	metrics.RowsRepartitioned.WithLabelValues("left").Add(float64(out.NumRows()))
	e.logger.Debug("left table repartitioned",
		zap.Int("sentRows", p.Plan.NumRows()),
		zap.Int("recvRows", out.NumRows()))
	return out, nil
}

// ExchangeRightPayload runs phase two for a prepared right table: one
// collective per column, all reusing the plan counts and recvCounts, so
// rows stay aligned across columns.
func (e *Exchanger) ExchangeRightPayload(ctx context.Context, p *PreparedRight, recvCounts []int) (*relation.Right, error) {
	keys, err := e.exchangeInt32(ctx, p.Keys, p.Plan.Counts, recvCounts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	data0, err := e.exchangeFloat64(ctx, p.Data0, p.Plan.Counts, recvCounts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	data1, err := e.exchangeInt32(ctx, p.Data1, p.Plan.Counts, recvCounts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	out := &relation.Right{Keys: keys, Data0: data0, Data1: data1}
	metrics.RowsRepartitioned.WithLabelValues("right").Add(float64(out.NumRows()))
	e.logger.Debug("right table repartitioned",
		zap.Int("sentRows", p.Plan.NumRows()),
		zap.Int("recvRows", out.NumRows()))
	return out, nil
}

// RepartitionLeft is the one-call form: prepare, exchange counts, exchange
// payload.
func (e *Exchanger) RepartitionLeft(ctx context.Context, t *relation.Left) (*relation.Left, error) {
	p, err := PrepareLeft(t, e.conn.Size())
	if err != nil {
		return nil, errors.Trace(err)
	}
	recvCounts, err := e.ExchangeCounts(ctx, p.Plan)
	if err != nil {
		return nil, errors.Trace(err)
	}
	out, err := e.ExchangeLeftPayload(ctx, p, recvCounts)
	return out, errors.Trace(err)
}

// RepartitionRight is the one-call form for the right table.
func (e *Exchanger) RepartitionRight(ctx context.Context, t *relation.Right) (*relation.Right, error) {
	p, err := PrepareRight(t, e.conn.Size())
	if err != nil {
		return nil, errors.Trace(err)
	}
	recvCounts, err := e.ExchangeCounts(ctx, p.Plan)
	if err != nil {
		return nil, errors.Trace(err)
	}
	out, err := e.ExchangeRightPayload(ctx, p, recvCounts)
	return out, errors.Trace(err)
}
