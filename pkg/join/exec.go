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

package join

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/meshjoin/meshjoin/pkg/exchange"
	"github.com/meshjoin/meshjoin/pkg/metrics"
	"github.com/meshjoin/meshjoin/pkg/relation"
	"github.com/meshjoin/meshjoin/pkg/shuffle"
	"github.com/meshjoin/meshjoin/pkg/util/logutil"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"go.uber.org/zap"
)

// Options tunes a join invocation. Every rank of the group must run with
// identical options, the same way it must issue identical collectives.
type Options struct {
	// ProbeConcurrency is the number of goroutines probing the local hash
	// index. Values below 1 mean single-threaded probing.
	ProbeConcurrency int
	// VerifyConservation cross-checks global row counts before and after
	// the shuffle with extra reductions. Costs four collectives per
	// invocation.
	VerifyConservation bool
}

// Exec runs one rank's share of distributed join invocations. It owns no
// state between invocations; Run may be called any number of times as long
// as every rank calls it in step.
type Exec struct {
	conn      exchange.Conn
	exchanger *shuffle.Exchanger
	joiner    *HashJoiner
	verify    bool
	logger    logutil.Logger
}

// NewExec creates an Exec on top of a group endpoint.
func NewExec(conn exchange.Conn, opts Options) *Exec {
	return &Exec{
		conn:      conn,
		exchanger: shuffle.NewExchanger(conn),
		joiner:    NewHashJoiner(opts.ProbeConcurrency),
		verify:    opts.VerifyConservation,
		logger:    logutil.L().WithRank(conn.Rank()),
	}
}

func errorKind(err error) string {
	switch {
	case stderrors.Is(err, relation.ErrInvalidInput):
		return "invalid_input"
	case stderrors.Is(err, exchange.ErrProtocol):
		return "protocol"
	case stderrors.Is(err, exchange.ErrCollective):
		return "collective"
	default:
		return "internal"
	}
}

func (*Exec) abort(logger logutil.Logger, err error) error {
	kind := errorKind(err)
	metrics.ErrorCount.WithLabelValues(kind).Inc()
	logger.Error("join invocation aborted", zap.String("kind", kind), zap.Error(err))
	return errors.Trace(err)
}

// Run joins the local slices of the two tables with the rest of the group:
// partition both tables, exchange counts, exchange payloads, join locally.
// The returned output is this rank's contribution to the global result.
// Inputs are validated before the first collective fires, so a malformed
// table aborts this rank without stalling peers inside an exchange.
func (e *Exec) Run(ctx context.Context, left *relation.Left, right *relation.Right) (*relation.Output, error) {
	logger := logutil.Logger{Logger: e.logger.With(zap.String("invocation", uuid.New().String()))}
	start := time.Now()
	logger.Info("join invocation started",
		zap.Int("leftRows", left.NumRows()),
		zap.Int("rightRows", right.NumRows()),
		zap.Int("groupSize", e.conn.Size()))

	if err := left.Validate(); err != nil {
		return nil, e.abort(logger, err)
	}
	if err := right.Validate(); err != nil {
		return nil, e.abort(logger, err)
	}

	var globalLeft, globalRight int64
	if e.verify {
		var err error
		globalLeft, err = e.conn.AllReduceInt64(ctx, int64(left.NumRows()))
		if err != nil {
			return nil, e.abort(logger, err)
		}
		globalRight, err = e.conn.AllReduceInt64(ctx, int64(right.NumRows()))
		if err != nil {
			return nil, e.abort(logger, err)
		}
	}

	preparedLeft, err := shuffle.PrepareLeft(left, e.conn.Size())
	if err != nil {
		return nil, e.abort(logger, err)
	}
	preparedRight, err := shuffle.PrepareRight(right, e.conn.Size())
	if err != nil {
		return nil, e.abort(logger, err)
	}

	leftCounts, err := e.exchanger.ExchangeCounts(ctx, preparedLeft.Plan)
	if err != nil {
		return nil, e.abort(logger, err)
	}
	rightCounts, err := e.exchanger.ExchangeCounts(ctx, preparedRight.Plan)
	if err != nil {
		return nil, e.abort(logger, err)
	}

	localLeft, err := e.exchanger.ExchangeLeftPayload(ctx, preparedLeft, leftCounts)
	if err != nil {
		return nil, e.abort(logger, err)
	}
	localRight, err := e.exchanger.ExchangeRightPayload(ctx, preparedRight, rightCounts)
	if err != nil {
		return nil, e.abort(logger, err)
	}

	if e.verify {
		if err := e.verifyConservation(ctx, globalLeft, globalRight, localLeft, localRight); err != nil {
			return nil, e.abort(logger, err)
		}
	}

	failpoint.Inject("beforeLocalJoin", nil)

	out, err := e.joiner.Join(localLeft, localRight)
	if err != nil {
		return nil, e.abort(logger, err)
	}

	logger.Info("join invocation finished",
		zap.Int("localLeftRows", localLeft.NumRows()),
		zap.Int("localRightRows", localRight.NumRows()),
		zap.Int("outputRows", out.NumRows()),
		zap.Duration("takeTime", time.Since(start)))
	return out, nil
}

// verifyConservation re-sums the global row counts after the shuffle. Rows
// may only change owners in transit, never appear or disappear.
func (e *Exec) verifyConservation(ctx context.Context, globalLeft, globalRight int64, left *relation.Left, right *relation.Right) error {
	afterLeft, err := e.conn.AllReduceInt64(ctx, int64(left.NumRows()))
	if err != nil {
		return errors.Trace(err)
	}
	if afterLeft != globalLeft {
		return errors.Annotatef(exchange.ErrProtocol,
			"left table had %d rows before the shuffle, %d after", globalLeft, afterLeft)
	}
	afterRight, err := e.conn.AllReduceInt64(ctx, int64(right.NumRows()))
	if err != nil {
		return errors.Trace(err)
	}
	if afterRight != globalRight {
		return errors.Annotatef(exchange.ErrProtocol,
			"right table had %d rows before the shuffle, %d after", globalRight, afterRight)
	}
	return nil
}
