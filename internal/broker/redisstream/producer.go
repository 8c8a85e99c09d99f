package redisstream

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/rueidis"

	"github.com/jnst/ecommerce-outbox/internal/broker"
)

// appendScript appends an entry unless its message id was written within the
// dedup window, and returns the entry id either way.
//
// KEYS[1] stream, KEYS[2] dedup marker
// ARGV[1] dedup window ms, ARGV[2] approximate max length (0 disables trimming), ARGV[3..] fields
const appendScript = `
local existing = redis.call('GET', KEYS[2])
if existing then
  return existing
end
local id
if tonumber(ARGV[2]) > 0 then
  id = redis.call('XADD', KEYS[1], 'MAXLEN', '~', ARGV[2], '*', unpack(ARGV, 3))
else
  id = redis.call('XADD', KEYS[1], '*', unpack(ARGV, 3))
end
redis.call('SET', KEYS[2], id, 'PX', ARGV[1])
return id
`

const queueSize = 1024

// ProducerConfig tunes batching, retries and durability.
type ProducerConfig struct {
	Partitions      int
	Linger          time.Duration
	BatchBytes      int
	DeliveryTimeout time.Duration
	RetryBackoff    time.Duration
	// MinReplicas > 0 waits for that many replicas with WAIT before a batch counts as written.
	MinReplicas  int
	DedupWindow  time.Duration
	StreamMaxLen int64
}

type pending struct {
	msg      *broker.Message
	onDone   func(*broker.Message, error)
	stream   string
	dedup    string
	fields   []string
	size     int
	deadline time.Time
}

// Producer batches messages per partition stream and appends them with an
// idempotent Lua script. A failed batch is resent from the first unconfirmed
// message, so per-partition order is kept.
type Producer struct {
	client rueidis.Client
	cfg    ProducerConfig
	logger *slog.Logger

	mu     sync.Mutex
	sha    string
	queues map[string]chan *pending
	closed bool

	workers    sync.WaitGroup
	publishing sync.WaitGroup
	inflight   broker.InFlight
	stop       chan struct{}
}

// NewProducer loads the append script and returns a ready producer.
func NewProducer(ctx context.Context, client rueidis.Client, cfg ProducerConfig, logger *slog.Logger) (*Producer, error) {
	if cfg.Partitions <= 0 {
		return nil, fmt.Errorf("redisstream: partitions must be positive, got %d", cfg.Partitions)
	}
	if cfg.DedupWindow <= 0 {
		return nil, fmt.Errorf("redisstream: dedup window must be positive, got %s", cfg.DedupWindow)
	}

	p := &Producer{
		client: client,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "redis-producer")),
		queues: make(map[string]chan *pending),
		stop:   make(chan struct{}),
	}
	if err := p.loadScript(ctx); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Producer) loadScript(ctx context.Context) error {
	sha, err := p.client.Do(ctx, p.client.B().ScriptLoad().Script(appendScript).Build()).ToString()
	if err != nil {
		return fmt.Errorf("redisstream: load append script: %w", err)
	}

	p.mu.Lock()
	p.sha = sha
	p.mu.Unlock()

	return nil
}

// Publish enqueues msg on its partition stream. It blocks only while that queue is full.
func (p *Producer) Publish(ctx context.Context, msg *broker.Message, onDone func(*broker.Message, error)) {
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}

	stream := StreamKey(msg.Topic, msg.PartitionFor(p.cfg.Partitions))
	item := &pending{
		msg:      msg,
		onDone:   onDone,
		stream:   stream,
		dedup:    dedupKey(msg.Topic, id),
		fields:   encodeFields(msg, id),
		size:     len(msg.Key) + len(msg.Value),
		deadline: time.Now().Add(p.cfg.DeliveryTimeout),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		onDone(msg, broker.ErrClosed)
		return
	}
	p.inflight.Add()
	p.publishing.Add(1)
	queue := p.queue(stream)
	p.mu.Unlock()
	defer p.publishing.Done()

	select {
	case queue <- item:
	case <-ctx.Done():
		p.complete(item, ctx.Err())
	case <-p.stop:
		p.complete(item, broker.ErrClosed)
	}
}

// queue returns the queue of stream, starting its sender. Callers hold p.mu.
func (p *Producer) queue(stream string) chan *pending {
	q, ok := p.queues[stream]
	if !ok {
		q = make(chan *pending, queueSize)
		p.queues[stream] = q
		p.workers.Add(1)
		go p.run(q)
	}

	return q
}

func (p *Producer) complete(item *pending, err error) {
	defer p.inflight.Done()
	item.onDone(item.msg, err)
}

func (p *Producer) run(queue chan *pending) {
	defer p.workers.Done()

	var (
		batch  []*pending
		size   int
		linger <-chan time.Time
	)
	for {
		select {
		case item := <-queue:
			if len(batch) == 0 {
				linger = time.After(p.cfg.Linger)
			}
			batch = append(batch, item)
			size += item.size
			if size < p.cfg.BatchBytes {
				continue
			}
		case <-linger:
		case <-p.stop:
			for {
				select {
				case item := <-queue:
					batch = append(batch, item)
				default:
					p.send(batch)
					return
				}
			}
		}

		p.send(batch)
		batch, size, linger = nil, 0, nil
	}
}

// send writes batch in order, retrying the unconfirmed tail until it is written
// or its delivery timeout passes.
func (p *Producer) send(batch []*pending) {
	for len(batch) > 0 {
		ctx, cancel := context.WithDeadline(context.Background(), batch[0].deadline)
		n, err := p.write(ctx, batch)
		cancel()

		for _, item := range batch[:n] {
			p.complete(item, nil)
		}
		batch = batch[n:]
		if err == nil {
			continue
		}

		p.logger.Warn("stream append failed, retrying",
			slog.String("stream", batch[0].stream),
			slog.Int("unconfirmed", len(batch)),
			slog.String("error", err.Error()),
		)

		now := time.Now()
		for len(batch) > 0 && !now.Before(batch[0].deadline) {
			p.complete(batch[0], fmt.Errorf("%w: %w", broker.ErrDeliveryTimeout, err))
			batch = batch[1:]
		}
		if len(batch) > 0 {
			time.Sleep(p.cfg.RetryBackoff)
		}
	}
}

// write appends batch with one round trip and returns how many leading messages are confirmed.
func (p *Producer) write(ctx context.Context, batch []*pending) (int, error) {
	p.mu.Lock()
	sha := p.sha
	p.mu.Unlock()

	window := strconv.FormatInt(p.cfg.DedupWindow.Milliseconds(), 10)
	maxLen := strconv.FormatInt(p.cfg.StreamMaxLen, 10)

	cmds := make([]rueidis.Completed, 0, len(batch))
	for _, item := range batch {
		args := append([]string{window, maxLen}, item.fields...)
		cmds = append(cmds, p.client.B().Evalsha().Sha1(sha).Numkeys(2).Key(item.stream, item.dedup).Arg(args...).Build())
	}

	for i, res := range p.client.DoMulti(ctx, cmds...) {
		if err := res.Error(); err != nil {
			if redisErrPrefix(err, "NOSCRIPT") {
				if loadErr := p.loadScript(ctx); loadErr != nil {
					return i, loadErr
				}
			}
			return i, err
		}
	}

	if p.cfg.MinReplicas > 0 {
		timeout := time.Until(batch[0].deadline).Milliseconds()
		if timeout <= 0 {
			timeout = 1
		}
		acked, err := p.client.Do(ctx, p.client.B().Wait().Numreplicas(int64(p.cfg.MinReplicas)).Timeout(timeout).Build()).AsInt64()
		if err != nil {
			return 0, fmt.Errorf("wait for replicas: %w", err)
		}
		if acked < int64(p.cfg.MinReplicas) {
			return 0, fmt.Errorf("%d of %d replicas acknowledged", acked, p.cfg.MinReplicas)
		}
	}

	return len(batch), nil
}

// Flush waits until every accepted message has completed.
func (p *Producer) Flush(ctx context.Context) error {
	return p.inflight.Wait(ctx)
}

// Close sends what is queued and stops the senders. Later publishes fail with ErrClosed.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stop)
	p.publishing.Wait()
	p.workers.Wait()

	// Messages enqueued after their sender drained.
	for _, queue := range p.queues {
		var rest []*pending
		for len(queue) > 0 {
			rest = append(rest, <-queue)
		}
		p.send(rest)
	}

	return nil
}
