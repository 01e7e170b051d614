package localdb

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Parameter of a Command. Parameters without a Name are positional.
type Parameter struct {
	Name  string
	Value interface{}
}

// Command is a statement which executes against the active transaction of
// its Manager, or upon its connection if the Manager is transaction-free.
// A Command is not safe for concurrent use.
type Command struct {
	m        *Manager
	text     string
	params   []*Parameter
	next     int // Index of the next positional parameter bound by AddParameter.
	timeout  time.Duration
	prepared *preparedStmt
	err      error // Sticky error returned by the next execution.
}

// Text returns the statement text.
func (c *Command) Text() string { return c.text }

// SetText replaces the statement text and its parameters. A prepared
// statement of the previous text is released.
func (c *Command) SetText(text string) *Command {
	if c.prepared != nil {
		c.prepared.release()
		c.prepared = nil
	}
	c.text, c.err, c.next = text, nil, 0
	c.params = nil

	for i, n := 0, countPlaceholders(text); i != n; i++ {
		c.params = append(c.params, new(Parameter))
	}
	return c
}

// Parameters returns the parameters of the Command, in binding order.
func (c *Command) Parameters() []*Parameter { return c.params }

// Timeout returns the execution timeout. Zero means no timeout.
func (c *Command) Timeout() time.Duration { return c.timeout }

// SetTimeout sets the execution timeout. A Cursor's timeout spans its
// iteration.
func (c *Command) SetTimeout(d time.Duration) *Command {
	c.timeout = d
	return c
}

// CreateParameter appends and returns a new Parameter of |name|.
func (c *Command) CreateParameter(name string) *Parameter {
	var p = &Parameter{Name: name}
	c.params = append(c.params, p)
	return p
}

// AddParameter binds |value| to the next pre-allocated positional
// parameter, or appends a new positional parameter if all are bound.
func (c *Command) AddParameter(value interface{}) *Command {
	for ; c.next < len(c.params); c.next++ {
		if p := c.params[c.next]; p.Name == "" && p.Value == nil {
			p.Value = value
			c.next++
			return c
		}
	}
	c.params = append(c.params, &Parameter{Value: value})
	c.next = len(c.params)
	return c
}

// AddNamedParameter appends a parameter of |name| and |value|. |name| may
// include its '@', ':' or '$' prefix.
func (c *Command) AddNamedParameter(name string, value interface{}) *Command {
	c.params = append(c.params, &Parameter{Name: name, Value: value})
	return c
}

// AddParameters binds each of |values| in turn. See AddParameter.
func (c *Command) AddParameters(values ...interface{}) *Command {
	for _, v := range values {
		c.AddParameter(v)
	}
	return c
}

// SetParameterValue sets the value of the parameter at |index|. An out of
// range |index| fails the next execution of the Command.
func (c *Command) SetParameterValue(index int, value interface{}) *Command {
	if index < 0 || index >= len(c.params) {
		c.err = errors.Errorf("parameter index %d out of range [0, %d)", index, len(c.params))
		return c
	}
	c.params[index].Value = value
	return c
}

// SetNamedParameterValue sets the value of the parameter of |name|, appending
// it if it doesn't exist.
func (c *Command) SetNamedParameterValue(name string, value interface{}) *Command {
	for _, p := range c.params {
		if p.Name != "" && trimParameterName(p.Name) == trimParameterName(name) {
			p.Value = value
			return c
		}
	}
	return c.AddNamedParameter(name, value)
}

// Prepare the Command's statement upon the Manager's connection. Prepared
// statements are cached by the Manager, and shared by Commands of equal text.
func (c *Command) Prepare(ctx context.Context) error {
	if c.prepared != nil {
		return nil
	}
	var conn, err = c.m.Conn(ctx)
	if err != nil {
		return err
	}
	ctx, release, err := c.m.acquire(ctx, false)
	if err != nil {
		return err
	}
	defer release()

	c.prepared, err = c.m.stmts.acquire(ctx, conn, c.text)
	return err
}

// ExecuteNonQuery executes the Command. See Manager.ExecuteNonQuery.
func (c *Command) ExecuteNonQuery(ctx context.Context) (int64, error) {
	return c.m.ExecuteNonQuery(ctx, c)
}

// ExecuteScalar executes the Command. See Manager.ExecuteScalar.
func (c *Command) ExecuteScalar(ctx context.Context) (interface{}, error) {
	return c.m.ExecuteScalar(ctx, c)
}

// ExecuteScalarInt64 executes the Command and returns its scalar result as
// an int64, or |def| if the result is nil.
func (c *Command) ExecuteScalarInt64(ctx context.Context, def int64) (int64, error) {
	var v, err = c.m.ExecuteScalar(ctx, c)
	if err != nil {
		return def, err
	}

	switch vv := v.(type) {
	case nil:
		return def, nil
	case int64:
		return vv, nil
	case float64:
		return int64(vv), nil
	case bool:
		if vv {
			return 1, nil
		}
		return 0, nil
	case []byte:
		return parseInt64(string(vv))
	case string:
		return parseInt64(vv)
	default:
		return def, errors.Errorf("scalar result %v (%T) is not an integer", v, v)
	}
}

// ExecuteReader executes the Command. See Manager.ExecuteReader.
func (c *Command) ExecuteReader(ctx context.Context) (*Cursor, error) {
	return c.m.ExecuteReader(ctx, c)
}

// ExecuteReaderWithoutLocks executes the Command.
// See Manager.ExecuteReaderWithoutLocks.
func (c *Command) ExecuteReaderWithoutLocks(ctx context.Context) (*Cursor, error) {
	return c.m.ExecuteReaderWithoutLocks(ctx, c)
}

// Close releases the Command's prepared statement, if any. The Command may
// still be executed afterwards, unprepared.
func (c *Command) Close() error {
	if c.prepared != nil {
		c.prepared.release()
		c.prepared = nil
	}
	return nil
}

func (c *Command) args() []interface{} {
	var out = make([]interface{}, len(c.params))
	for i, p := range c.params {
		if p.Name == "" {
			out[i] = p.Value
		} else {
			out[i] = sql.Named(trimParameterName(p.Name), p.Value)
		}
	}
	return out
}

func (c *Command) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func trimParameterName(name string) string { return strings.TrimLeft(name, "@:$") }

func parseInt64(s string) (int64, error) {
	var n, err = strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, errors.WithMessage(err, "parsing scalar result")
	}
	return n, nil
}

// countPlaceholders returns the number of '?' placeholders of |text| which
// fall outside of quoted literals and comments.
func countPlaceholders(text string) int {
	var n int
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '\'', '"', '`':
			var end = strings.IndexByte(text[i+1:], text[i])
			if end == -1 {
				return n
			}
			i += end + 1
		case '[':
			var end = strings.IndexByte(text[i+1:], ']')
			if end == -1 {
				return n
			}
			i += end + 1
		case '-':
			if i+1 < len(text) && text[i+1] == '-' {
				var end = strings.IndexByte(text[i:], '\n')
				if end == -1 {
					return n
				}
				i += end
			}
		case '/':
			if i+1 < len(text) && text[i+1] == '*' {
				var end = strings.Index(text[i+2:], "*/")
				if end == -1 {
					return n
				}
				i += end + 3
			}
		case '?':
			n++
		}
	}
	return n
}
