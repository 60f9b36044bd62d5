package main

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/climb-ledger/internal/domain"
)

// readSheet parses a judges' sheet with the columns participant_id, lane
// and option_key
func readSheet(r io.Reader) ([]domain.ScoreSubmission, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range []string{"participant_id", "lane", "option_key"} {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	get := func(record []string, name string) string {
		if i := cols[name]; i < len(record) {
			return strings.TrimSpace(record[i])
		}
		return ""
	}

	var subs []domain.ScoreSubmission
	for line := 2; ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		id, err := strconv.ParseInt(get(record, "participant_id"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid participant_id %q", line, get(record, "participant_id"))
		}
		sub := domain.ScoreSubmission{
			ParticipantID: id,
			Lane:          get(record, "lane"),
			OptionKey:     get(record, "option_key"),
		}
		if err := sub.Validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func main() {
	// Command line flags
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "climb-score-submissions", "Kafka topic")
	file := flag.String("file", "", "Judges' sheet CSV (participant_id,lane,option_key); - for stdin")
	rate := flag.Int("rate", 0, "Submissions per second (0 = no limit)")
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: score-producer -file sheet.csv [-brokers host:port] [-topic name] [-rate n]")
		os.Exit(2)
	}

	var in io.Reader = os.Stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			log.Fatalf("Failed to open sheet: %v", err)
		}
		defer f.Close()
		in = f
	}

	submissions, err := readSheet(in)
	if err != nil {
		log.Fatalf("Failed to read sheet: %v", err)
	}

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("  Climb score producer")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Brokers:      %s\n", *brokers)
	fmt.Printf("  Topic:        %s\n", *topic)
	fmt.Printf("  Submissions:  %d\n", len(submissions))
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	// Configure Sarama producer
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(strings.Split(*brokers, ","), config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}

	// Handle producer errors and successes
	var successCount, errorCount int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Printf("Producer error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var tick <-chan time.Time
	if *rate > 0 {
		ticker := time.NewTicker(time.Second / time.Duration(*rate))
		defer ticker.Stop()
		tick = ticker.C
	}

	sent := 0
send:
	for _, sub := range submissions {
		if tick != nil {
			select {
			case <-tick:
			case <-sigChan:
				fmt.Println("\nInterrupted, flushing...")
				break send
			}
		}

		data, err := json.Marshal(sub)
		if err != nil {
			log.Printf("Failed to marshal submission: %v", err)
			continue
		}

		// Keyed by participant so one climber's submissions stay ordered.
		msg := &sarama.ProducerMessage{
			Topic: *topic,
			Key:   sarama.StringEncoder(strconv.FormatInt(sub.ParticipantID, 10)),
			Value: sarama.ByteEncoder(data),
		}

		select {
		case producer.Input() <- msg:
			sent++
		case <-sigChan:
			fmt.Println("\nInterrupted, flushing...")
			break send
		}
	}

	producer.AsyncClose()
	wg.Wait()

	fmt.Printf("✓ Completed. Queued: %d, Sent: %d, Errors: %d\n",
		sent, atomic.LoadInt64(&successCount), atomic.LoadInt64(&errorCount))
	if atomic.LoadInt64(&errorCount) > 0 {
		os.Exit(1)
	}
}
