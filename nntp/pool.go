package nntp

import (
	"context"

	"github.com/jackc/puddle/v2"
)

// connPool is the bounded connection pool of one provider. Requests beyond
// the provider's connection ceiling queue inside Acquire instead of opening
// unbounded sockets.
type connPool struct {
	pool *puddle.Pool[*conn]
}

func newConnPool(cfg ProviderConfig) (*connPool, error) {
	pool, err := puddle.NewPool(&puddle.Config[*conn]{
		Constructor: func(ctx context.Context) (*conn, error) {
			return dialConn(ctx, cfg)
		},
		Destructor: func(c *conn) {
			_ = c.close()
		},
		MaxSize: int32(cfg.MaxConnections),
	})
	if err != nil {
		return nil, err
	}

	return &connPool{pool: pool}, nil
}

// acquire lends a connection, lazily replacing sessions past their TTL.
func (p *connPool) acquire(ctx context.Context) (*puddle.Resource[*conn], error) {
	for {
		res, err := p.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}

		if res.Value().expired() {
			res.Destroy()
			continue
		}

		return res, nil
	}
}

func (p *connPool) stat() *puddle.Stat {
	return p.pool.Stat()
}

func (p *connPool) close() {
	p.pool.Close()
}
