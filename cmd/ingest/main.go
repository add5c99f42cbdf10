// Command ingest bridges platform connectors into Kafka: it reads one JSON
// object per line from stdin and publishes it on the chat or bank SMS
// ingestion topic.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-live-orders.git/internal/config"
	"github.com/ariefcatur/go-live-orders.git/internal/engine"
	"github.com/ariefcatur/go-live-orders.git/internal/events"
	kafkax "github.com/ariefcatur/go-live-orders.git/internal/kafka"
	"github.com/ariefcatur/go-live-orders.git/internal/logx"
	"github.com/ariefcatur/go-live-orders.git/internal/payments"
	"github.com/joho/godotenv"
)

const producerName = "connector-bridge"

func main() {
	kind := flag.String("kind", "chat", "payload kind on stdin: chat or sms")
	flag.Parse()
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		l := logx.New("error", producerName)
		l.Fatal().Err(err).Msg("load config")
	}
	log := logx.New(cfg.LogLevel, producerName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prod.Start(ctx)
	pub := kafkax.EventPublisher{P: prod}

	var sent, bad int
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() && ctx.Err() == nil {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		evType, corrID, payload, err := parseLine(*kind, line)
		if err != nil {
			bad++
			log.Warn().Err(err).Msg("skip line")
			continue
		}
		if err := events.Emit(ctx, pub, evType, producerName, corrID, payload); err != nil {
			log.Error().Err(err).Msg("publish")
			break
		}
		sent++
	}
	if err := sc.Err(); err != nil {
		log.Error().Err(err).Msg("read stdin")
	}

	prod.Close()
	prod.WaitClosed()
	log.Info().Int("sent", sent).Int("skipped", bad).Msg("ingest done")
}

// parseLine validates a line and picks the event type and partition key.
// Chat is keyed by session and sender so one sender's lines stay ordered.
func parseLine(kind string, line []byte) (string, string, any, error) {
	switch kind {
	case "sms":
		var in payments.SmsInput
		if err := json.Unmarshal(line, &in); err != nil {
			return "", "", nil, err
		}
		return events.EventBankSmsReceived, in.Sender, in, nil
	default:
		var in engine.Incoming
		if err := json.Unmarshal(line, &in); err != nil {
			return "", "", nil, err
		}
		return events.EventChatReceived, in.SessionID + ":" + in.SenderID, in, nil
	}
}
