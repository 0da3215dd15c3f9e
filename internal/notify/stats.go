package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Stats is the part of nsqd's /stats?format=json that the mirror watches.
type Stats struct {
	Topics []TopicStats `json:"topics"`
}

type TopicStats struct {
	Name         string         `json:"topic_name"`
	Depth        int64          `json:"depth"`
	MessageCount int64          `json:"message_count"`
	Channels     []ChannelStats `json:"channels"`
}

type ChannelStats struct {
	Name     string `json:"channel_name"`
	Depth    int64  `json:"depth"`
	InFlight int64  `json:"in_flight_count"`
	Deferred int64  `json:"deferred_count"`
	Requeued int64  `json:"requeue_count"`
	TimedOut int64  `json:"timeout_count"`
}

// Topic finds a topic by name.
func (s Stats) Topic(name string) (TopicStats, bool) {
	for _, t := range s.Topics {
		if t.Name == name {
			return t, true
		}
	}
	return TopicStats{}, false
}

// Channel finds a channel of the topic by name.
func (t TopicStats) Channel(name string) (ChannelStats, bool) {
	for _, c := range t.Channels {
		if c.Name == name {
			return c, true
		}
	}
	return ChannelStats{}, false
}

// HTTPAddr maps an nsqd TCP address to its HTTP address on the default ports.
func HTTPAddr(tcpAddr string) string {
	if strings.HasSuffix(tcpAddr, ":4150") {
		return strings.TrimSuffix(tcpAddr, ":4150") + ":4151"
	}
	return tcpAddr
}

// FetchStats reads nsqd's stats endpoint. addr is host:port or a full URL.
func FetchStats(ctx context.Context, client *http.Client, addr string) (Stats, error) {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/stats?format=json", nil)
	if err != nil {
		return Stats{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Stats{}, fmt.Errorf("get nsq stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Stats{}, fmt.Errorf("nsq stats returned status %d", resp.StatusCode)
	}

	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return Stats{}, fmt.Errorf("decode nsq stats: %w", err)
	}
	return stats, nil
}
