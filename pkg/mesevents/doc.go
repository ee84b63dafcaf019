/*
Package mesevents is the event backbone of a manufacturing-execution backend.

Business services publish domain events (batch created, material consumed,
inspection completed, equipment status changed). The backbone persists every
event to an append-only store, broadcasts it to other processes and fans it
out to the in-process handlers registered for its type. Handlers run
concurrently and independently: a failing handler is retried with
exponential backoff and, once its budget is spent, its event is quarantined
in a per-type dead-letter queue that operators can list, replay or purge.

# Packages

  - event: the envelope, payload catalogue, wire codec and error types
  - store: the event log (memory, SQLite, PostgreSQL)
  - registry: the immutable event-type to handler table
  - bus: publish, fan-out, retry, statistics, history, subscribe, drain
  - deadletter: dead-letter queues (memory, SQLite) and replay
  - transport: cross-process broadcast (in-memory broker, Kafka)
  - stats: daily published/processed/failed counters
  - observability: slog helpers, OpenTelemetry and Prometheus recorders
  - config: koanf configuration with YAML file and MES_ env overrides

# Basic Usage

Register handlers, then open a backbone from configuration:

	reg := registry.NewBuilder()
	registry.On(reg, "report-generation",
	    func(ctx context.Context, e *event.Envelope, p event.ProductionBatchCompletedEvent) error {
	        return reports.Generate(ctx, p.BatchNumber)
	    })

	cfg, err := config.Load("mesbus.yaml")
	if err != nil {
	    log.Fatal(err)
	}

	bb, err := mesevents.Open(cfg, reg.Build())
	if err != nil {
	    log.Fatal(err)
	}
	defer bb.Close(context.Background())

	ack, err := bb.Bus.Publish(ctx, event.New("B100", event.ProductionBatchCreatedEvent{
	    BatchNumber: "B100",
	}))

Publish returns once the event is stored. Handlers run in the background;
Close waits for them up to the caller's deadline.

# Delivery Guarantees

An event that Publish acknowledges is stored. Each registered handler sees it
at least once, and at most 1 + MaxRetries times (integration events use
their own remaining budget). A handler that never succeeds leaves exactly
one dead-letter entry. Broadcast is best effort and never fails a publish.
*/
package mesevents
