// Package voice bridges a session to a conversational voice agent
// over a websocket. The agent speaks the patient; the bridge only
// consumes the text side of the protocol (transcripts and responses)
// and feeds it back into the session transcript.
package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultEndpoint is the voice agent conversation endpoint.
const DefaultEndpoint = "wss://api.elevenlabs.io/v1/convai/conversation"

// EventKind classifies bridge events.
type EventKind string

const (
	// EventUserTranscript carries the learner's recognized speech.
	EventUserTranscript EventKind = "user_transcript"
	// EventAgentResponse carries the patient agent's spoken reply.
	EventAgentResponse EventKind = "agent_response"
	// EventDisconnected signals the connection ended; Err holds the
	// cause for abnormal closes.
	EventDisconnected EventKind = "disconnected"
)

// Event is one bridge event.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Config configures a voice connection.
type Config struct {
	// Endpoint is the websocket URL (default: DefaultEndpoint).
	Endpoint string
	// AgentID selects the voice agent persona.
	AgentID string
	// DialTimeout bounds the handshake (default: 10s).
	DialTimeout time.Duration
}

// DynamicVariables parameterize the agent's prompt at session start.
type DynamicVariables struct {
	PersonaPrompt   string `json:"personaPrompt"`
	StartingMessage string `json:"startingMessage"`
}

// Client is a live voice agent connection.
type Client struct {
	conn   *websocket.Conn
	events chan Event

	closeOnce sync.Once
	done      chan struct{}
}

type initiationMessage struct {
	Type             string            `json:"type"`
	DynamicVariables *DynamicVariables `json:"dynamic_variables,omitempty"`
}

type serverMessage struct {
	Type                   string `json:"type"`
	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`
	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`
	PingEvent *struct {
		EventID int `json:"event_id"`
	} `json:"ping_event,omitempty"`
}

type pongMessage struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}

// Dial connects to the voice agent and sends the conversation
// initiation with the session's dynamic variables.
func Dial(ctx context.Context, cfg Config, vars DynamicVariables) (*Client, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("voice: agent ID is required")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("voice: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", cfg.AgentID)
	u.RawQuery = q.Encode()

	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("voice: dial agent: %w", err)
	}

	init := initiationMessage{
		Type:             "conversation_initiation_client_data",
		DynamicVariables: &vars,
	}
	if err := conn.WriteJSON(init); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("voice: send initiation: %w", err)
	}

	c := &Client{
		conn:   conn,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events returns the bridge event channel. It closes after
// EventDisconnected is delivered.
func (c *Client) Events() <-chan Event {
	return c.events
}

// readLoop pumps server messages into the event channel and answers
// protocol pings.
func (c *Client) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				c.events <- Event{Kind: EventDisconnected}
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.events <- Event{Kind: EventDisconnected}
				} else {
					c.events <- Event{Kind: EventDisconnected, Err: err}
				}
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch {
		case msg.PingEvent != nil:
			_ = c.conn.WriteJSON(pongMessage{Type: "pong", EventID: msg.PingEvent.EventID})
		case msg.UserTranscriptionEvent != nil:
			c.events <- Event{Kind: EventUserTranscript, Text: msg.UserTranscriptionEvent.UserTranscript}
		case msg.AgentResponseEvent != nil:
			c.events <- Event{Kind: EventAgentResponse, Text: msg.AgentResponseEvent.AgentResponse}
		}
	}
}

// Close ends the conversation and tears down the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.conn.Close()
	})
	return err
}
