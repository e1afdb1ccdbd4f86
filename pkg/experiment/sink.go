package experiment

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/boristopalov/rtgym/pkg/messaging"
)

// JSONLSink writes every turn record it receives as one JSON line.
type JSONLSink struct {
	file   *os.File
	w      *bufio.Writer
	enc    *json.Encoder
	logger *zap.Logger

	broker messaging.Broker
	id     string
	ch     chan messaging.Message
	wg     sync.WaitGroup
	err    error
}

func NewJSONLSink(path string, logger *zap.Logger) (*JSONLSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create record log: %w", err)
	}
	w := bufio.NewWriter(f)
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSONLSink{file: f, w: w, enc: json.NewEncoder(w), logger: logger}, nil
}

// Attach subscribes the sink to b under id and starts writing.
func (s *JSONLSink) Attach(b messaging.Broker, id string, buffer int) error {
	s.ch = make(chan messaging.Message, buffer)
	if err := b.Subscribe(id, s.ch); err != nil {
		return fmt.Errorf("attach record sink: %w", err)
	}
	s.broker, s.id = b, id

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for msg := range s.ch {
			if err := s.enc.Encode(msg.Record); err != nil && s.err == nil {
				s.err = err
				s.logger.Error("write turn record", zap.Error(err))
			}
		}
	}()
	return nil
}

// Close detaches the sink, drains pending records and closes the file.
func (s *JSONLSink) Close() error {
	if s.broker != nil {
		// no publish can reach ch once Unsubscribe returns
		_ = s.broker.Unsubscribe(s.id)
		close(s.ch)
		s.wg.Wait()
		s.broker = nil
	}
	if err := s.w.Flush(); err != nil && s.err == nil {
		s.err = err
	}
	if err := s.file.Close(); err != nil && s.err == nil {
		s.err = err
	}
	if s.err != nil {
		return fmt.Errorf("record log: %w", s.err)
	}
	return nil
}

// WriteSummaries persists episode summaries as a YAML list.
func WriteSummaries(path string, summaries []Summary) error {
	data, err := yaml.Marshal(summaries)
	if err != nil {
		return fmt.Errorf("encode summaries: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write summaries: %w", err)
	}
	return nil
}

// ReadSummaries loads a file written by WriteSummaries.
func ReadSummaries(path string) ([]Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []Summary
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode summaries: %w", err)
	}
	return out, nil
}
