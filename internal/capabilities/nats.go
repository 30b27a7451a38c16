package capabilities

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/cadenza-automation/cadenza/internal/dispatch"
	"github.com/cadenza-automation/cadenza/internal/types"
)

// ParamSubject overrides the publish subject.
const ParamSubject = "subject"

// NATSPublisher publishes the action envelope to a NATS subject. The
// default subject is <prefix>.actions.<platform>.<operation or type>.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSPublisher(conn *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "cadenza"
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Subject returns the subject req publishes to.
func (p *NATSPublisher) Subject(req dispatch.Request) string {
	if s := req.Params.Get(ParamSubject); s != "" {
		return s
	}
	name := req.Operation
	if name == "" {
		name = string(req.Type)
	}
	return fmt.Sprintf("%s.actions.%s.%s", p.prefix, req.Platform, name)
}

func (p *NATSPublisher) Invoke(ctx context.Context, req dispatch.Request) (dispatch.Response, error) {
	body, err := json.Marshal(newEnvelope(req, ParamSubject))
	if err != nil {
		return dispatch.Response{}, fmt.Errorf("%w: %v", types.ErrMalformedParameters, err)
	}
	msg := nats.NewMsg(p.Subject(req))
	msg.Data = body
	// JetStream streams dedupe on this header across retries.
	msg.Header.Set(nats.MsgIdHdr, deliveryID(req))

	if err := p.conn.PublishMsg(msg); err != nil {
		return dispatch.Response{}, fmt.Errorf("%w: publish: %v", types.ErrTransient, err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		if ctx.Err() != nil {
			return dispatch.Response{}, ctx.Err()
		}
		return dispatch.Response{}, fmt.Errorf("%w: flush: %v", types.ErrTransient, err)
	}
	return dispatch.Response{Detail: "published to " + msg.Subject}, nil
}
