package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func TestKafkaPublisherKeysByRun(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev Event
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.Type != StageSucceeded || ev.Stage != "fusion" || ev.ResultURL != "https://ds/fused.png" {
			return errors.New("unexpected event payload")
		}
		return nil
	})

	p := NewKafkaPublisherWithProducer(producer, "hairstyle.runs")
	err := p.Publish(context.Background(), Event{
		Type:      StageSucceeded,
		RunID:     "run-1",
		Stage:     "fusion",
		Attempt:   1,
		ResultURL: "https://ds/fused.png",
		At:        time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestKafkaPublisherReportsFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewKafkaPublisherWithProducer(producer, "hairstyle.runs")
	err := p.Publish(context.Background(), Event{Type: RunFailed, RunID: "run-2"})
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected ErrOutOfBrokers, got %v", err)
	}
	_ = p.Close()
}

func TestLogPublisherWritesEventName(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher(slog.New(slog.NewJSONHandler(&buf, nil)))
	if err := p.Publish(context.Background(), Event{Type: RunStarted, RunID: "run-3"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !strings.Contains(buf.String(), `"msg":"events.run.started"`) {
		t.Fatalf("unexpected log line: %s", buf.String())
	}
}
