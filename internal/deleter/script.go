// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package deleter

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"
)

// Script rules are user expressions over the same field surface the
// condition builder exposes, compiled once and cached. No IO, no loops,
// and a hard code-length cap; any compile or runtime failure evaluates
// false so a broken script deletes nothing.
const maxScriptLength = 10000

type scriptEvaluator struct {
	mu       sync.Mutex
	programs map[string]*vm.Program
}

func newScriptEvaluator() *scriptEvaluator {
	return &scriptEvaluator{programs: make(map[string]*vm.Program)}
}

func (e *scriptEvaluator) compile(code string) (*vm.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.programs[code]; ok {
		return p, nil
	}

	p, err := expr.Compile(code, expr.Env(map[string]any{}), expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, err
	}
	e.programs[code] = p
	return p, nil
}

// Evaluate runs a script rule against the torrent context. The script
// sees the legacy camelCase names plus the snake_case canon.
func (e *scriptEvaluator) Evaluate(ruleName, code string, ctx *evalContext) bool {
	if code == "" {
		return false
	}
	if len(code) > maxScriptLength {
		log.Error().Str("rule", ruleName).Int("length", len(code)).
			Msg("script rule exceeds maximum length")
		return false
	}

	env := make(map[string]any, len(ctx.numeric)+len(ctx.str))
	for k, v := range ctx.numeric {
		env[k] = v
	}
	for k, v := range ctx.str {
		env[k] = v
	}
	for alias, canonical := range fieldAliases {
		if v, ok := env[canonical]; ok {
			env[alias] = v
		}
	}

	program, err := e.compile(code)
	if err != nil {
		log.Error().Err(err).Str("rule", ruleName).Msg("script rule failed to compile")
		return false
	}

	out, err := expr.Run(program, env)
	if err != nil {
		log.Debug().Err(err).Str("rule", ruleName).Msg("script rule evaluation failed")
		return false
	}

	matched, ok := out.(bool)
	return ok && matched
}
