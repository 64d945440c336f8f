package filter

import (
	"encoding/json"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/SamSaffron/message-bus/internal/backlog"
)

// RegisterCELFilter compiles a CEL expression and installs it as the
// channel's client filter. The expression must evaluate to a bool; false
// drops the message for the subscriber. Evaluation errors count as drop.
//
// Bound variables: user_id, group_ids, channel, site, id, ts_ms, text
// (payload as string) and json (payload parsed as JSON, or null).
func (p *Pipeline) RegisterCELFilter(channel, expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}
	env, err := cel.NewEnv(
		cel.Variable("user_id", cel.StringType),
		cel.Variable("group_ids", cel.ListType(cel.StringType)),
		cel.Variable("channel", cel.StringType),
		cel.Variable("site", cel.StringType),
		cel.Variable("id", cel.IntType),
		cel.Variable("ts_ms", cel.IntType),
		cel.Variable("text", cel.StringType),
		cel.Variable("json", cel.DynType),
	)
	if err != nil {
		return err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return err
	}

	p.RegisterFilter(channel, func(id Identity, m backlog.Message) (backlog.Message, bool) {
		var jsonObj any
		_ = json.Unmarshal(m.Data, &jsonObj)
		groups := id.GroupIDs
		if groups == nil {
			groups = []string{}
		}
		out, _, err := prog.Eval(map[string]any{
			"user_id":   id.UserID,
			"group_ids": groups,
			"channel":   m.Channel,
			"site":      m.Site,
			"id":        int64(m.ID),
			"ts_ms":     m.CreatedAtMs,
			"text":      string(m.Data),
			"json":      jsonObj,
		})
		if err != nil {
			return m, false
		}
		b, ok := out.Value().(bool)
		return m, ok && b
	})
	return nil
}
