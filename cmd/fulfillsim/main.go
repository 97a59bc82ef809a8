// fulfillsim simulates the external fulfillment worker pool: it consumes
// jobs from the fulfillment topic, resolves each after a random delay, and
// publishes outcome messages back. Useful for exercising the settlement
// engine's reconciliation path end to end without a real exchange backend.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tradepost/settlement/internal/domain"
	"github.com/tradepost/settlement/internal/fulfillment"
)

var (
	brokers       string
	jobsTopic     string
	outcomesTopic string
	group         string
	workers       int
	failRate      float64
	minDelay      time.Duration
	maxDelay      time.Duration
)

func init() {
	flag.StringVar(&brokers, "brokers", "localhost:9092", "Comma-separated Kafka brokers")
	flag.StringVar(&jobsTopic, "jobs-topic", "fulfillment.jobs", "Topic to consume jobs from")
	flag.StringVar(&outcomesTopic, "outcomes-topic", "fulfillment.outcomes", "Topic to publish outcomes to")
	flag.StringVar(&group, "group", "fulfillsim", "Consumer group")
	flag.IntVar(&workers, "workers", 4, "Number of concurrent workers")
	flag.Float64Var(&failRate, "fail-rate", 0.1, "Fraction of jobs resolved as failure")
	flag.DurationVar(&minDelay, "min-delay", 200*time.Millisecond, "Minimum fulfillment delay")
	flag.DurationVar(&maxDelay, "max-delay", 2*time.Second, "Maximum fulfillment delay")
}

func main() {
	flag.Parse()
	log.Printf("Starting fulfillment simulator | workers: %d | fail-rate: %.2f", workers, failRate)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	brokerList := strings.Split(brokers, ",")
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokerList,
		GroupID: group,
		Topic:   jobsTopic,
	})
	defer reader.Close()

	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokerList...),
		Topic:    outcomesTopic,
		Balancer: &kafka.Hash{},
	}
	defer writer.Close()

	jobs := make(chan fulfillment.Job, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for job := range jobs {
				resolve(ctx, writer, job)
			}
		}()
	}

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Printf("consume error: %v", err)
			continue
		}
		var job fulfillment.Job
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			log.Printf("malformed job: %v", err)
			continue
		}
		jobs <- job
	}

	close(jobs)
	wg.Wait()
}

func resolve(ctx context.Context, writer *kafka.Writer, job fulfillment.Job) {
	publish(ctx, writer, fulfillment.OutcomeMessage{TradeID: job.TradeID, Outcome: fulfillment.OutcomePickedUp})

	if job.Kind == domain.KindPeerToPeer {
		publish(ctx, writer, fulfillment.OutcomeMessage{TradeID: job.TradeID, Outcome: fulfillment.OutcomeAwaitingSeller})
	}

	delay := minDelay + time.Duration(rand.Int63n(int64(maxDelay-minDelay)+1))
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}

	out := fulfillment.OutcomeMessage{TradeID: job.TradeID, Outcome: string(domain.OutcomeSuccess)}
	if rand.Float64() < failRate {
		out.Outcome = string(domain.OutcomeFailure)
		out.Reason = "simulated exchange rejection"
	}
	publish(ctx, writer, out)
}

func publish(ctx context.Context, writer *kafka.Writer, m fulfillment.OutcomeMessage) {
	payload, err := json.Marshal(m)
	if err != nil {
		log.Printf("marshal error: %v", err)
		return
	}
	err = writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(m.TradeID.String()),
		Value: payload,
	})
	if err != nil && ctx.Err() == nil {
		log.Printf("publish error: %v", err)
	}
}
