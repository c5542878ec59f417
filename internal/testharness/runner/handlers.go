package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/subplex/subplex-go/internal/testharness/engine"
	"github.com/subplex/subplex-go/internal/testharness/loader"
	"github.com/subplex/subplex-go/internal/testharness/mock"
	subplex "github.com/subplex/subplex-go/pkg/engine"
	"github.com/subplex/subplex-go/pkg/subscription"
)

// errDropped is the reason passed to the engine by the drop action.
var errDropped = errors.New("dropped by scenario")

type handlerFunc func(ctx context.Context, step *loader.Step, s *session, state *engine.ExecutionState) (map[string]any, error)

func (r *Runner) registerHandlers() {
	handlers := map[string]handlerFunc{
		// engine lifecycle
		"start":      handleStart,
		"wait_ready": handleWaitReady,
		"health":     handleHealth,
		"stats":      handleStats,
		"wait_stat":  handleWaitStat,
		"metric":     handleMetric,

		// subscriptions
		"subscribe":       handleSubscribe,
		"await_subscribe": handleAwaitSubscribe,
		"unsubscribe":     handleUnsubscribe,
		"seed":            handleSeed,
		"value":           handleValue,
		"wait_value":      handleWaitValue,
		"target_info":     handleTargetInfo,
		"wait_target":     handleWaitTarget,

		// node scripting
		"push":             handlePush,
		"set_account":      handleSetAccount,
		"set_auto_confirm": handleSetAutoConfirm,
		"reject_next":      handleRejectNext,
		"wait_held":        handleWaitHeld,
		"confirm_held":     handleConfirmHeld,
		"fail_held":        handleFailHeld,
		"send_raw":         handleSendRaw,
		"drop":             handleDrop,
		"wait_connections": handleWaitConnections,
		"node":             handleNode,
		"wire_count":       handleWireCount,

		// utility
		"save": handleSave,
		"wait": handleWait,
	}
	for name, h := range handlers {
		r.engine.RegisterHandler(name, withSession(h))
	}
}

func withSession(h handlerFunc) engine.ActionHandler {
	return func(ctx context.Context, step *loader.Step, state *engine.ExecutionState) (map[string]any, error) {
		s, err := sessionFrom(state)
		if err != nil {
			return nil, err
		}
		return h(ctx, step, s, state)
	}
}

// failed records an expected failure as the step's "error" output.
func failed(err error) map[string]any {
	return map[string]any{engine.KeyError: err.Error()}
}

func handleStart(ctx context.Context, step *loader.Step, s *session, _ *engine.ExecutionState) (map[string]any, error) {
	if err := s.eng.Start(ctx); err != nil {
		return failed(err), nil
	}
	return map[string]any{"started": true}, nil
}

func healthOutputs(h subplex.Health) map[string]any {
	out := map[string]any{
		"state":        h.State.String(),
		"generation":   h.Generation,
		"resubscribed": h.Resubscribed,
		"failed":       len(h.Failed),
	}
	if h.Err != nil {
		out["health_error"] = h.Err.Error()
	}
	return out
}

// handleWaitReady waits for READY. With after_generation it waits for a
// READY of a later connection.
func handleWaitReady(ctx context.Context, step *loader.Step, s *session, _ *engine.ExecutionState) (map[string]any, error) {
	after, err := paramUintOr(step, "after_generation", 0)
	if err != nil {
		return nil, err
	}
	err = poll(ctx, func() bool {
		h := s.eng.Health()
		return h.State == subplex.StateReady && h.Generation > after
	})
	if err != nil {
		return nil, fmt.Errorf("engine not ready (state %s): %w", s.eng.Health().State, err)
	}
	return healthOutputs(s.eng.Health()), nil
}

func handleHealth(_ context.Context, _ *loader.Step, s *session, _ *engine.ExecutionState) (map[string]any, error) {
	return healthOutputs(s.eng.Health()), nil
}

func statsOutputs(st subplex.Stats) map[string]any {
	return map[string]any{
		"delivered":       st.Router.Delivered,
		"stale":           st.Router.Stale,
		"decode_failures": st.Router.DecodeFailures,
		"unknown":         st.Router.Unknown,
		"queued":          st.Router.Queued,
		"dropped":         st.Router.Dropped,
		"pending":         st.PendingRequests,
		"keys":            st.Keys,
		"bound":           st.Targets[subscription.StateBound],
		"violations":      st.ProtocolViolations,
		"reconnects":      st.Session.Reconnects,
		"generation":      st.Session.Generation,
	}
}

func handleStats(_ context.Context, _ *loader.Step, s *session, _ *engine.ExecutionState) (map[string]any, error) {
	return statsOutputs(s.eng.Stats()), nil
}

// handleWaitStat waits until the stats output name reaches at least value.
func handleWaitStat(ctx context.Context, step *loader.Step, s *session, _ *engine.ExecutionState) (map[string]any, error) {
	name, err := paramString(step, "name")
	if err != nil {
		return nil, err
	}
	want, err := paramUint(step, "value")
	if err != nil {
		return nil, err
	}
	if _, ok := statsOutputs(subplex.Stats{})[name]; !ok {
		return nil, fmt.Errorf("unknown stat %q", name)
	}

	var out map[string]any
	err = poll(ctx, func() bool {
		out = statsOutputs(s.eng.Stats())
		got, _ := engine.ToFloat64(out[name])
		return got >= float64(want)
	})
	if err != nil {
		return nil, fmt.Errorf("stat %s never reached %d (last %v): %w", name, want, out[name], err)
	}
	return out, nil
}

func handleMetric(_ context.Context, step *loader.Step, s *session, _ *engine.ExecutionState) (map[string]any, error) {
	name, err := paramString(step, "name")
	if err != nil {
		return nil, err
	}
	v, ok, err := s.metric(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return failed(fmt.Errorf("metric %s not found", name)), nil
	}
	return map[string]any{"metric": v}, nil
}

// decoder builds a decode function: "raw", "length" or "field:<name>".
func decoder(spec string) (subscription.DecodeFunc, error) {
	switch {
	case spec == "raw":
		return func(raw []byte) (any, error) { return string(raw), nil }, nil
	case spec == "length":
		return func(raw []byte) (any, error) { return len(raw), nil }, nil
	case strings.HasPrefix(spec, "field:"):
		field := strings.TrimPrefix(spec, "field:")
		return func(raw []byte) (any, error) {
			var obj map[string]any
			if err := json.Unmarshal(raw, &obj); err != nil {
				return nil, err
			}
			if obj == nil {
				return nil, nil
			}
			v, ok := obj[field]
			if !ok {
				return nil, fmt.Errorf("field %q missing", field)
			}
			return v, nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown decoder %q", spec)
	}
}

func registration(step *loader.Step) (subscription.Registration, error) {
	key, err := paramString(step, "key")
	if err != nil {
		return subscription.Registration{}, err
	}
	rawTarget, err := paramString(step, "target")
	if err != nil {
		return subscription.Registration{}, err
	}
	target, err := subscription.ParseTarget(rawTarget)
	if err != nil {
		return subscription.Registration{}, err
	}
	spec, err := paramStringOr(step, "decoder", "raw")
	if err != nil {
		return subscription.Registration{}, err
	}
	decode, err := decoder(spec)
	if err != nil {
		return subscription.Registration{}, err
	}
	options, err := paramMap(step, "options")
	if err != nil {
		return subscription.Registration{}, err
	}
	return subscription.Registration{
		Key:     subscription.LogicalKey(key),
		Target:  target,
		Options: options,
		Decode:  decode,
	}, nil
}

// handleSubscribe subscribes a key. With wait: false the call runs in
// the background until await_subscribe.
func handleSubscribe(ctx context.Context, step *loader.Step, s *session, state *engine.ExecutionState) (map[string]any, error) {
	reg, err := registration(step)
	if err != nil {
		return nil, err
	}
	wait, err := paramBoolOr(step, "wait", true)
	if err != nil {
		return nil, err
	}

	out := map[string]any{"key": string(reg.Key)}
	if !wait {
		s.subscribeAsync(state.Context, reg)
		return out, nil
	}
	if err := s.eng.Subscribe(ctx, reg); err != nil {
		out[engine.KeyError] = err.Error()
	}
	return out, nil
}

func handleAwaitSubscribe(ctx context.Context, step *loader.Step, s *session, _ *engine.ExecutionState) (map[string]any, error) {
	key, err := paramString(step, "key")
	if err != nil {
		return nil, err
	}
	out := map[string]any{"key": key}
	if err := s.await(ctx, subscription.LogicalKey(key)); err != nil {
		out[engine.KeyError] = err.Error()
	}
	return out, nil
}

func handleUnsubscribe(ctx context.Context, step *loader.Step, s *session, _ *engine.ExecutionState) (map[string]any, error) {
	key, err := paramString(step, "key")
	if err != nil {
		return nil, err
	}
	if err := s.eng.Unsubscribe(ctx, subscription.LogicalKey(key)); err != nil {
		return failed(err), nil
	}
	return map[string]any{"key": key}, nil
}

func handleSeed(ctx context.Context, step *loader.Step, s *session, _ *engine.ExecutionState) (map[string]any, error) {
	key, err := paramString(step, "key")
	if err != nil {
		return nil, err
	}
	u, err := s.eng.Seed(ctx, subscription.LogicalKey(key))
	if err != nil {
		return failed(err), nil
	}
	out := map[string]any{"value": u.Value, "slot": u.Slot, "seed": u.Seed}
	if u.Err != nil {
		out["update_error"] = u.Err.Error()
	}
	return out, nil
}

func valueOutputs(v subscription.Value) map[string]any {
	out := map[string]any{
		"value":     v.Value,
		"slot":      v.Slot,
		"has_value": v.HasValue,
	}
	if v.LastError != nil {
		out["last_error"] = v.LastError.Error()
	}
	return out
}

func handleValue(_ context.Context, step *loader.Step, s *session, _ *engine.ExecutionState) (map[string]any, error) {
	key, err := paramString(step, "key")
	if err != nil {
		return nil, err
	}
	v, ok := s.eng.Value(subscription.LogicalKey(key))
	if !ok {
		return failed(fmt.Errorf("%w: %s", subscription.ErrKeyNotFound, key)), nil
	}
	return valueOutputs(v), nil
}

// handleWaitValue waits until key holds value.
func handleWaitValue(ctx context.Context, step *loader.Step, s *session, _ *engine.ExecutionState) (map[string]any, error) {
	key, err := paramString(step, "key")
	if err != nil {
		return nil, err
	}
	want, ok := step.Params["value"]
	if !ok {
		return nil, errors.New(`missing param "value"`)
	}

	var last subscription.Value
	err = poll(ctx, func() bool {
		v, ok := s.eng.Value(subscription.LogicalKey(key))
		last = v
		return ok && v.HasValue && sameValue(want, v.Value)
	})
	if err != nil {
		return nil, fmt.Errorf("key %s never held %v (last %v): %w", key, want, last.Value, err)
	}
	return valueOutputs(last), nil
}

func targetOutputs(s *session, info subscription.TargetInfo) map[string]any {
	keys := make([]string, 0, len(info.Keys))
	for _, k := range info.Keys {
		keys = append(keys, string(k))
	}
	out := map[string]any{
		"target_state":    info.State.String(),
		"subscription_id": info.SubscriptionID.String(),
		"generation":      info.Generation,
		"fanout":          info.Fanout.String(),
		"key_count":       len(keys),
		"keys":            keys,
		"resubscribes":    info.Resubscribes,
	}
	for _, sub := range s.node.Subscriptions() {
		if sub.ID == info.SubscriptionID {
			out["node_target"] = sub.Target
		}
	}
	return out
}

func paramTarget(step *loader.Step) (subscription.Target, error) {
	raw, err := paramString(step, "target")
	if err != nil {
		return subscription.Target{}, err
	}
	return subscription.ParseTarget(raw)
}

func handleTargetInfo(_ context.Context, step *loader.Step, s *session, _ *engine.ExecutionState) (map[string]any, error) {
	t, err := paramTarget(step)
	if err != nil {
		return nil, err
	}
	info, ok := s.target(t)
	if !ok {
		return failed(fmt.Errorf("target %s not registered", t)), nil
	}
	return targetOutputs(s, info), nil
}

// handleWaitTarget waits until target is in the named state.
func handleWaitTarget(ctx context.Context, step *loader.Step, s *session, _ *engine.ExecutionState) (map[string]any, error) {
	t, err := paramTarget(step)
	if err != nil {
		return nil, err
	}
	want, err := paramString(step, "state")
	if err != nil {
		return nil, err
	}

	var info subscription.TargetInfo
	err = poll(ctx, func() bool {
		var ok bool
		info, ok = s.target(t)
		return ok && info.State.String() == want
	})
	if err != nil {
		return nil, fmt.Errorf("target %s never reached %s (last %s): %w", t, want, info.State, err)
	}
	return targetOutputs(s, info), nil
}

// handlePush sends value to every node subscription of target. A string
// param raw is sent verbatim; otherwise value is encoded as JSON.
func handlePush(_ context.Context, step *loader.Step, s *session, _ *engine.ExecutionState) (map[string]any, error) {
	target, err := paramString(step, "target")
	if err != nil {
		return nil, err
	}
	slot, err := paramUint(step, "slot")
	if err != nil {
		return nil, err
	}
	payload, err := payloadParam(step)
	if err != nil {
		return nil, err
	}
	sent, err := s.node.PushTarget(target, slot, payload)
	if err != nil {
		return failed(err), nil
	}
	return map[string]any{"sent": sent}, nil
}

func payloadParam(step *loader.Step) (string, error) {
	if raw, ok := step.Params["raw"]; ok {
		s, ok := raw.(string)
		if !ok {
			return "", fmt.Errorf(`param "raw": expected a string, got %T`, raw)
		}
		return s, nil
	}
	v, ok := step.Params["value"]
	if !ok {
		return "", errors.New(`missing param "value" or "raw"`)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf(`param "value": %w`, err)
	}
	return string(data), nil
}

func handleSetAccount(_ context.Context, step *loader.Step, s *session, _ *engine.ExecutionState) (map[string]any, error) {
	address, err := paramString(step, "address")
	if err != nil {
		return nil, err
	}
	slot, err := paramUint(step, "slot")
	if err != nil {
		return nil, err
	}
	payload, err := payloadParam(step)
	if err != nil {
		return nil, err
	}
	s.node.SetAccount(address, slot, payload)
	return nil, nil
}

func handleSetAutoConfirm(_ context.Context, step *loader.Step, s *session, _ *engine.ExecutionState) (map[string]any, error) {
	on, err := paramBoolOr(step, "enabled", true)
	if err != nil {
		return nil, err
	}
	s.node.SetAutoConfirm(on)
	return nil, nil
}

func handleRejectNext(_ context.Context, step *loader.Step, s *session, _ *engine.ExecutionState) (map[string]any, error) {
	method, err := paramString(step, "method")
	if err != nil {
		return nil, err
	}
	code, err := paramInt(step, "code")
	if err != nil {
		return nil, err
	}
	message, err := paramStringOr(step, "message", "rejected")
	if err != nil {
		return nil, err
	}
	s.node.RejectNext(method, code, message)
	return nil, nil
}

func heldTargets(calls []*mock.Call) []string {
	targets := make([]string, 0, len(calls))
	for _, c := range calls {
		targets = append(targets, c.Target())
	}
	return targets
}

func handleWaitHeld(ctx context.Context, step *loader.Step, s *session, _ *engine.ExecutionState) (map[string]any, error) {
	count, err := paramInt(step, "count")
	if err != nil {
		return nil, err
	}
	timeout := time.Until(deadline(ctx))
	held, err := s.node.WaitHeld(count, timeout)
	if err != nil {
		return nil, err
	}
	return map[string]any{"held": len(held), "held_targets": heldTargets(held)}, nil
}

func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(10 * time.Second)
}

// heldCall finds the held subscribe for target.
func heldCall(step *loader.Step, s *session) (*mock.Call, error) {
	target, err := paramString(step, "target")
	if err != nil {
		return nil, err
	}
	for _, c := range s.node.Held() {
		if c.Target() == target {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no held subscribe for %s", target)
}

func handleConfirmHeld(_ context.Context, step *loader.Step, s *session, _ *engine.ExecutionState) (map[string]any, error) {
	call, err := heldCall(step, s)
	if err != nil {
		return nil, err
	}
	if err := s.node.Confirm(call); err != nil {
		return failed(err), nil
	}
	return map[string]any{"request_id": call.Request.ID}, nil
}

func handleFailHeld(_ context.Context, step *loader.Step, s *session, _ *engine.ExecutionState) (map[string]any, error) {
	call, err := heldCall(step, s)
	if err != nil {
		return nil, err
	}
	code, err := paramInt(step, "code")
	if err != nil {
		return nil, err
	}
	message, err := paramStringOr(step, "message", "failed")
	if err != nil {
		return nil, err
	}
	if err := s.node.Fail(call, code, message); err != nil {
		return failed(err), nil
	}
	return map[string]any{"request_id": call.Request.ID}, nil
}

func handleSendRaw(_ context.Context, step *loader.Step, s *session, _ *engine.ExecutionState) (map[string]any, error) {
	frame, err := paramString(step, "frame")
	if err != nil {
		return nil, err
	}
	if err := s.node.SendRaw([]byte(frame)); err != nil {
		return failed(err), nil
	}
	return nil, nil
}

// handleDrop drops the connection from the node side, or from the client
// side with side: client.
func handleDrop(_ context.Context, step *loader.Step, s *session, _ *engine.ExecutionState) (map[string]any, error) {
	side, err := paramStringOr(step, "side", "node")
	if err != nil {
		return nil, err
	}
	switch side {
	case "node":
		s.node.DropAll()
	case "client":
		s.eng.Drop(errDropped)
	default:
		return nil, fmt.Errorf("unknown side %q", side)
	}
	return nil, nil
}

func handleWaitConnections(ctx context.Context, step *loader.Step, s *session, _ *engine.ExecutionState) (map[string]any, error) {
	count, err := paramInt(step, "count")
	if err != nil {
		return nil, err
	}
	if err := s.node.WaitConnections(count, time.Until(deadline(ctx))); err != nil {
		return nil, err
	}
	return map[string]any{"connections": s.node.Connections()}, nil
}

func handleNode(_ context.Context, _ *loader.Step, s *session, _ *engine.ExecutionState) (map[string]any, error) {
	subs := s.node.Subscriptions()
	targets := make([]string, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub.Target)
	}
	return map[string]any{
		"connections":   s.node.Connections(),
		"open":          s.node.Open(),
		"subscriptions": len(subs),
		"node_targets":  targets,
	}, nil
}

func handleWireCount(_ context.Context, step *loader.Step, s *session, _ *engine.ExecutionState) (map[string]any, error) {
	method, err := paramString(step, "method")
	if err != nil {
		return nil, err
	}
	return map[string]any{"count": s.node.Count(method)}, nil
}

// handleSave copies value into the output name, so a later step can
// refer to it after the original output is overwritten.
func handleSave(_ context.Context, step *loader.Step, _ *session, _ *engine.ExecutionState) (map[string]any, error) {
	name, err := paramString(step, "name")
	if err != nil {
		return nil, err
	}
	v, ok := step.Params["value"]
	if !ok {
		return nil, errors.New(`missing param "value"`)
	}
	return map[string]any{name: v}, nil
}

func handleWait(ctx context.Context, step *loader.Step, _ *session, _ *engine.ExecutionState) (map[string]any, error) {
	d, err := paramDuration(step, "duration")
	if err != nil {
		return nil, err
	}
	select {
	case <-time.After(d):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
