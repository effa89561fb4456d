package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/flexpress-matching/internal/models"
)

// TokenSource yields the current bearer token, or "" when logged out.
type TokenSource interface {
	Token() string
}

// StaticToken is a fixed TokenSource.
type StaticToken string

func (s StaticToken) Token() string { return string(s) }

// Client talks to the Flexpress REST API.
type Client struct {
	base   string
	tokens TokenSource
	http   *http.Client
}

func NewClient(baseURL string, timeout time.Duration, tokens TokenSource) *Client {
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		tokens: tokens,
		http:   &http.Client{Timeout: timeout},
	}
}

// errorBody matches the API's error JSON. message is either a string or a
// list of validation messages.
type errorBody struct {
	Message json.RawMessage `json:"message"`
	Error   string          `json:"error"`
}

func (b errorBody) text() string {
	var s string
	if json.Unmarshal(b.Message, &s) == nil && s != "" {
		return s
	}
	var list []string
	if json.Unmarshal(b.Message, &list) == nil && len(list) > 0 {
		return strings.Join(list, "; ")
	}
	return b.Error
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &Error{Op: op, Kind: KindValidation, Err: err}
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return &Error{Op: op, Kind: KindValidation, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.tokens.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &Error{Op: op, Kind: KindTransport, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		msg := eb.text()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &Error{Op: op, Kind: kindForStatus(resp.StatusCode), Status: resp.StatusCode, Message: msg}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Op: op, Kind: KindValidation, Status: resp.StatusCode, Message: "malformed response", Err: err}
	}
	return nil
}

func escape(id string) string { return url.PathEscape(id) }

func requireMatch(op string, m *models.TravelMatch) (*models.TravelMatch, error) {
	if m == nil || m.ID == "" {
		return nil, &Error{Op: op, Kind: KindValidation, Message: "response without match id"}
	}
	return m, nil
}

func (c *Client) CreateMatch(ctx context.Context, req models.CreateMatchRequest) (*models.CreateMatchResult, error) {
	const op = "create match"
	var out models.CreateMatchResult
	if err := c.do(ctx, op, http.MethodPost, "/travel-matching/create", nil, req, &out); err != nil {
		return nil, err
	}
	if _, err := requireMatch(op, out.Match); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SelectCharter(ctx context.Context, matchID, charterID string) (*models.TravelMatch, error) {
	const op = "select charter"
	var out models.TravelMatch
	in := map[string]string{"matchId": matchID, "charterId": charterID}
	if err := c.do(ctx, op, http.MethodPost, "/travel-matching/select-charter", nil, in, &out); err != nil {
		return nil, err
	}
	return requireMatch(op, &out)
}

func (c *Client) RespondToMatch(ctx context.Context, matchID string, accept bool) (*models.TravelMatch, error) {
	const op = "respond to match"
	var out models.TravelMatch
	q := url.Values{"accept": []string{strconv.FormatBool(accept)}}
	if err := c.do(ctx, op, http.MethodPut, "/travel-matching/charter/matches/"+escape(matchID)+"/respond", q, nil, &out); err != nil {
		return nil, err
	}
	return requireMatch(op, &out)
}

func (c *Client) CancelMatch(ctx context.Context, matchID string) (*models.TravelMatch, error) {
	const op = "cancel match"
	var out models.TravelMatch
	if err := c.do(ctx, op, http.MethodPut, "/travel-matching/"+escape(matchID)+"/cancel", nil, nil, &out); err != nil {
		return nil, err
	}
	return requireMatch(op, &out)
}

func (c *Client) GetMatch(ctx context.Context, matchID string) (*models.TravelMatch, error) {
	const op = "get match"
	var out models.TravelMatch
	if err := c.do(ctx, op, http.MethodGet, "/travel-matching/"+escape(matchID), nil, nil, &out); err != nil {
		return nil, err
	}
	return requireMatch(op, &out)
}

func (c *Client) ListUserMatches(ctx context.Context) ([]*models.TravelMatch, error) {
	var out []*models.TravelMatch
	if err := c.do(ctx, "list user matches", http.MethodGet, "/travel-matching/user/matches", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListCharterMatches(ctx context.Context) ([]*models.TravelMatch, error) {
	var out []*models.TravelMatch
	if err := c.do(ctx, "list charter matches", http.MethodGet, "/travel-matching/charter/matches", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateTrip(ctx context.Context, matchID string) (*models.Trip, error) {
	var out models.Trip
	if err := c.do(ctx, "create trip", http.MethodPost, "/travel-matching/create-trip/"+escape(matchID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetTrip(ctx context.Context, tripID string) (*models.Trip, error) {
	var out models.Trip
	if err := c.do(ctx, "get trip", http.MethodGet, "/trips/"+escape(tripID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CharterCompleteTrip(ctx context.Context, tripID string) (*models.Trip, error) {
	var out models.Trip
	if err := c.do(ctx, "charter complete trip", http.MethodPut, "/trips/"+escape(tripID)+"/charter-complete", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ConfirmTripCompletion(ctx context.Context, tripID string) (*models.Trip, error) {
	var out models.Trip
	if err := c.do(ctx, "confirm trip completion", http.MethodPut, "/trips/"+escape(tripID)+"/confirm-completion", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelTrip(ctx context.Context, tripID string) (*models.Trip, error) {
	var out models.Trip
	if err := c.do(ctx, "cancel trip", http.MethodPut, "/trips/"+escape(tripID)+"/cancel", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ReportTripProblem(ctx context.Context, tripID, reason string) error {
	in := map[string]string{"reason": reason}
	return c.do(ctx, "report trip problem", http.MethodPost, "/trips/"+escape(tripID)+"/report", nil, in, nil)
}

func (c *Client) FeedbackEligibility(ctx context.Context, tripID string) (*models.FeedbackEligibility, error) {
	var out models.FeedbackEligibility
	if err := c.do(ctx, "feedback eligibility", http.MethodGet, "/trips/"+escape(tripID)+"/feedback/eligibility", nil, nil, &out); err != nil {
		return nil, err
	}
	if out.TripID == "" {
		out.TripID = tripID
	}
	return &out, nil
}

func (c *Client) SubmitFeedback(ctx context.Context, tripID string, fb models.Feedback) error {
	return c.do(ctx, "submit feedback", http.MethodPost, "/trips/"+escape(tripID)+"/feedback", nil, fb, nil)
}

func (c *Client) Credits(ctx context.Context) (int, error) {
	var out models.CreditBalance
	if err := c.do(ctx, "get credits", http.MethodGet, "/users/me/credits", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Credits, nil
}

func (c *Client) CreateConversation(ctx context.Context, matchID string) (*models.Conversation, error) {
	const op = "create conversation"
	var out models.Conversation
	if err := c.do(ctx, op, http.MethodPost, "/conversations/match/"+escape(matchID), nil, nil, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, &Error{Op: op, Kind: KindValidation, Message: "response without conversation id"}
	}
	return &out, nil
}

func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var out []models.Message
	if err := c.do(ctx, "list messages", http.MethodGet, "/conversations/"+escape(conversationID)+"/messages", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (*models.Message, error) {
	const op = "send message"
	if strings.TrimSpace(content) == "" {
		return nil, Invalid(op, "empty message")
	}
	var out models.Message
	in := map[string]string{"content": content}
	if err := c.do(ctx, op, http.MethodPost, "/conversations/"+escape(conversationID)+"/messages", nil, in, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, &Error{Op: op, Kind: KindValidation, Message: "response without message id"}
	}
	return &out, nil
}

// IsTimeout reports whether err came from a deadline rather than the server.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
