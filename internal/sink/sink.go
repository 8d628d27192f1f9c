package sink

import (
	"context"

	"github.com/galois26/eddn-relay/internal/model"
)

// Response is what the gateway answered, kept for logging.
type Response struct {
	Status int
	Body   string
}

// OK reports a 2xx status.
func (r Response) OK() bool { return r.Status/100 == 2 }

// Publisher posts one normalized entry under a schema.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, schema string, e model.Entry) (Response, error)
}
