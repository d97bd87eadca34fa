package greensens

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultHost    = "https://api.greensens.de/api"
	DefaultTimeout = 10 * time.Second

	// tokens older than this many whole days are refreshed before use
	tokenMaxAgeDays = 4

	statusOK = "OK"
)

type Fetcher interface {
	Update(ctx context.Context) error
	Snapshot() Snapshot
}

// Snapshot is a read-only view of the client state after a poll.
type Snapshot struct {
	Taken             time.Time
	Hubs              []*Hub
	Authenticated     bool
	NotificationCount int
	LastError         string
}

// Client talks to the GreenSens cloud API and keeps the latest hub/sensor
// tree and the notifications seen so far. All methods are safe for
// concurrent use; each one holds the client lock for its full duration.
type Client struct {
	mu sync.Mutex

	client     *http.Client
	limit      *rate.Limiter
	log        *zap.Logger
	now        func() time.Time
	host       string
	timeout    time.Duration
	tlsVerify  bool
	retries    uint64
	customHTTP bool
	maxNotes   int

	username string
	password string

	token       string
	tokenIssued time.Time
	lastErr     error

	hubs              []*Hub
	data              map[string]map[string]any
	updated           time.Time
	notifications     []*Notification
	notificationCount int
}

type Option func(c *Client) error

// New creates a client, logs in and fetches the sensor tree. A rejected login
// or a non-200 response does not fail construction: check IsAuthenticated and
// LastError afterwards. Transport errors and malformed payloads are returned.
func New(ctx context.Context, username, password string, opts ...Option) (*Client, error) {
	c, err := NewClient(username, password, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Authenticate(ctx); err != nil {
		return c, err
	}
	if err := c.Update(ctx); err != nil {
		return c, err
	}
	return c, nil
}

// NewClient creates a client without contacting the API.
func NewClient(username, password string, opts ...Option) (*Client, error) {
	c := &Client{
		log:      zap.L(),
		limit:    rate.NewLimiter(rate.Every(5*time.Second), 4),
		now:      time.Now,
		host:     DefaultHost,
		timeout:  DefaultTimeout,
		username: username,
		password: password,
		data:     map[string]map[string]any{},
	}

	// apply the options
	for _, o := range opts {
		err := o(c)
		if err != nil {
			return nil, err
		}
	}

	if !c.customHTTP {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		// the vendor endpoint has historically been reached without certificate checks
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !c.tlsVerify}
		c.client = &http.Client{
			Timeout:   c.timeout,
			Transport: otelhttp.NewTransport(transport),
		}
	}

	return c, nil
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) error {
		c.log = l
		return nil
	}
}

// WithHost overrides the API base URL.
func WithHost(host string) Option {
	return func(c *Client) error {
		if host == "" {
			return fmt.Errorf("empty host")
		}
		c.host = strings.TrimRight(host, "/")
		return nil
	}
}

// WithHTTPClient replaces the default transport. Timeout and TLS options are
// ignored when it is used.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.client = hc
		c.customHTTP = true
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("invalid timeout %s", d)
		}
		c.timeout = d
		return nil
	}
}

// WithTLSVerify enables certificate verification, which is off by default.
func WithTLSVerify(verify bool) Option {
	return func(c *Client) error {
		c.tlsVerify = verify
		return nil
	}
}

// WithRateLimit paces outgoing requests. every <= 0 disables pacing.
func WithRateLimit(every time.Duration, burst int) Option {
	return func(c *Client) error {
		if every <= 0 {
			c.limit = rate.NewLimiter(rate.Inf, 1)
			return nil
		}
		if burst < 1 {
			return fmt.Errorf("invalid burst %d", burst)
		}
		c.limit = rate.NewLimiter(rate.Every(every), burst)
		return nil
	}
}

// WithRetry retries transport errors and 5xx responses up to n times with
// capped exponential backoff. The default is no retry.
func WithRetry(n uint64) Option {
	return func(c *Client) error {
		c.retries = n
		return nil
	}
}

// WithNotificationLimit keeps only the newest n accumulated notifications.
// The default, 0, keeps every notification for the lifetime of the client.
func WithNotificationLimit(n int) Option {
	return func(c *Client) error {
		if n < 0 {
			return fmt.Errorf("invalid notification limit %d", n)
		}
		c.maxNotes = n
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) error {
		c.now = now
		return nil
	}
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type loginReply struct {
	Data *struct {
		Token *string `json:"token"`
	} `json:"data"`
	Errors any `json:"errors"`
}

type plantsReply struct {
	Data *struct {
		RegisteredHubs *[]registeredHub `json:"registeredHubs"`
	} `json:"data"`
}

type registeredHub struct {
	Name   *string           `json:"name"`
	Plants *[]map[string]any `json:"plants"`
}

type notificationsReply struct {
	Data *struct {
		Notifications *[]map[string]any `json:"notifications"`
	} `json:"data"`
}

type response struct {
	status int
	url    string
	body   []byte
}

// Authenticate logs in. A rejection by the server is recorded as the last
// error and leaves the current token untouched.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticate(ctx)
}

func (c *Client) authenticate(ctx context.Context) error {
	payload, err := json.Marshal(loginRequest{Login: c.username, Password: c.password})
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodPost, c.host+"/users/authenticate", payload, "")
	if err != nil {
		c.log.Error("cannot authenticate", zap.Error(err))
		c.lastErr = err
		return err
	}

	var reply loginReply
	if err := json.Unmarshal(resp.body, &reply); err != nil {
		c.log.Error("error decoding login response", zap.Int("status", resp.status), zap.Error(err))
		c.lastErr = err
		return fmt.Errorf("decode login response: %w", err)
	}

	if reply.Data == nil || reply.Data.Token == nil || *reply.Data.Token == "" {
		authErr := NewAuthError(reply.Errors)
		c.log.Warn("authentication rejected", zap.String("user", c.username), zap.Error(authErr))
		c.lastErr = authErr
		return nil
	}

	c.token = *reply.Data.Token
	c.tokenIssued = day(c.now())
	c.lastErr = nil
	c.log.Debug("authenticated", zap.String("user", c.username))
	return nil
}

// EnsureFreshToken logs in when there is no token yet or when the token is
// older than four days.
func (c *Client) EnsureFreshToken(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureFreshToken(ctx)
}

func (c *Client) ensureFreshToken(ctx context.Context) error {
	if c.token == "" {
		return c.authenticate(ctx)
	}
	if age := c.tokenAgeDays(); age > tokenMaxAgeDays {
		c.log.Info("refreshing access token", zap.Int("ageDays", age))
		return c.authenticate(ctx)
	}
	return nil
}

func (c *Client) tokenAgeDays() int {
	return int(day(c.now()).Sub(c.tokenIssued).Hours() / 24)
}

// day truncates t to its local calendar date, expressed in UTC so that
// differences are whole multiples of 24h.
func day(t time.Time) time.Time {
	y, m, d := t.Local().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FetchSensorData fetches the hub/sensor tree and returns the sensor payloads
// keyed by sensorID. Without a token, or on a non-200 response, the previous
// data is returned and the hub tree is left as it was.
func (c *Client) FetchSensorData(ctx context.Context) (map[string]map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.fetchSensorData(ctx)
	return c.cloneData(), err
}

func (c *Client) fetchSensorData(ctx context.Context) error {
	if c.token == "" {
		return nil
	}
	if err := c.ensureFreshToken(ctx); err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodGet, c.host+"/plants", nil, c.token)
	if err != nil {
		c.log.Error("error fetching sensor data", zap.Error(err))
		c.lastErr = err
		return err
	}
	if resp.status != http.StatusOK {
		c.recordHTTPError(resp)
		return nil
	}

	var reply plantsReply
	if err := json.Unmarshal(resp.body, &reply); err != nil {
		c.log.Error("error decoding sensor data", zap.Error(err))
		return fmt.Errorf("decode plants response: %w", err)
	}
	if reply.Data == nil {
		return NewMissingFieldError("data")
	}
	if reply.Data.RegisteredHubs == nil {
		return NewMissingFieldError("registeredHubs")
	}

	// build everything before touching the current tree
	hubs := make([]*Hub, 0, len(*reply.Data.RegisteredHubs))
	data := map[string]map[string]any{}
	for _, rh := range *reply.Data.RegisteredHubs {
		if rh.Name == nil {
			return NewMissingFieldError("name")
		}
		if rh.Plants == nil {
			return NewMissingFieldError("plants")
		}
		c.log.Debug("create hub", zap.String("hub", *rh.Name))
		hub := NewHub(*rh.Name)
		for _, raw := range *rh.Plants {
			sensor, err := NewSensor(raw)
			if err != nil {
				c.log.Error("cannot create sensor", zap.String("hub", *rh.Name), zap.Error(err))
				return fmt.Errorf("hub %q: %w", *rh.Name, err)
			}
			c.log.Debug("create sensor", zap.String("sensorId", sensor.ID()))
			hub.AddSensor(sensor)
			data[sensor.ID()] = sensor.Data()
		}
		hubs = append(hubs, hub)
	}

	c.hubs = hubs
	c.data = data
	c.updated = c.now()
	c.lastErr = nil
	return nil
}

// FetchNotifications fetches the user's notifications and appends them to
// the ones already held. Nothing is deduplicated.
func (c *Client) FetchNotifications(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchNotifications(ctx)
}

func (c *Client) fetchNotifications(ctx context.Context) error {
	if c.token == "" {
		return nil
	}
	if err := c.ensureFreshToken(ctx); err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodGet, c.host+"/users/notifications", nil, c.token)
	if err != nil {
		c.log.Error("error fetching notifications", zap.Error(err))
		c.lastErr = err
		return err
	}
	if resp.status != http.StatusOK {
		c.recordHTTPError(resp)
		return nil
	}

	var reply notificationsReply
	if err := json.Unmarshal(resp.body, &reply); err != nil {
		c.log.Error("error decoding notifications", zap.Error(err))
		return fmt.Errorf("decode notifications response: %w", err)
	}
	if reply.Data == nil {
		return NewMissingFieldError("data")
	}
	if reply.Data.Notifications == nil {
		return NewMissingFieldError("notifications")
	}

	fetched := make([]*Notification, 0, len(*reply.Data.Notifications))
	for _, raw := range *reply.Data.Notifications {
		n, err := NewNotification(raw)
		if err != nil {
			c.log.Error("cannot create notification", zap.Error(err))
			return fmt.Errorf("notification: %w", err)
		}
		c.log.Debug("create notification", zap.String("message", n.Message()))
		fetched = append(fetched, n)
	}

	c.notificationCount = len(fetched)
	c.notifications = append(c.notifications, fetched...)
	if c.maxNotes > 0 && len(c.notifications) > c.maxNotes {
		c.notifications = slices.Clone(c.notifications[len(c.notifications)-c.maxNotes:])
	}
	c.lastErr = nil
	return nil
}

// Update refreshes the cached sensor data. Notifications are not touched.
func (c *Client) Update(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchSensorData(ctx)
}

// AllSensorData updates, then merges every hub's Data into one map.
func (c *Client) AllSensorData(ctx context.Context, onlyActive bool) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fetchSensorData(ctx); err != nil {
		return nil, err
	}
	data := map[string]any{}
	for _, hub := range c.hubs {
		maps.Copy(data, hub.Data(onlyActive))
	}
	return data, nil
}

func (c *Client) AllSensorIDs(onlyActive bool) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := []string{}
	for _, hub := range c.hubs {
		ids = append(ids, hub.SensorIDs(onlyActive)...)
	}
	return ids
}

// NotificationsReport fetches notifications, then renders every notification
// held so far, one per line. Repeated calls repeat earlier lines.
func (c *Client) NotificationsReport(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fetchNotifications(ctx); err != nil {
		return "", err
	}
	var b strings.Builder
	for _, n := range c.notifications {
		b.WriteString(n.Describe())
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (c *Client) HubCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hubs)
}

func (c *Client) SensorCount(onlyActive bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, hub := range c.hubs {
		n += hub.SensorCount(onlyActive)
	}
	return n
}

// NotificationCount is the number of notifications in the last successful
// response, not the size of the accumulated list.
func (c *Client) NotificationCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notificationCount
}

func (c *Client) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != ""
}

// LastError returns "OK" or the message of the last recorded failure.
func (c *Client) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError()
}

func (c *Client) lastError() string {
	if c.lastErr == nil {
		return statusOK
	}
	return c.lastErr.Error()
}

// Err returns the last recorded failure, nil when the last call succeeded.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Hubs returns copies of the current hubs.
func (c *Client) Hubs() []*Hub {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cloneHubs()
}

func (c *Client) cloneHubs() []*Hub {
	hubs := make([]*Hub, 0, len(c.hubs))
	for _, h := range c.hubs {
		hubs = append(hubs, h.clone())
	}
	return hubs
}

// SensorData returns the cached sensor payloads keyed by sensorID.
func (c *Client) SensorData() map[string]map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cloneData()
}

func (c *Client) cloneData() map[string]map[string]any {
	data := make(map[string]map[string]any, len(c.data))
	for id, raw := range c.data {
		data[id] = maps.Clone(raw)
	}
	return data
}

func (c *Client) Notifications() []*Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Notification(nil), c.notifications...)
}

func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Taken:             c.updated,
		Hubs:              c.cloneHubs(),
		Authenticated:     c.token != "",
		NotificationCount: c.notificationCount,
		LastError:         c.lastError(),
	}
}

func (c *Client) recordHTTPError(resp *response) {
	err := NewHTTPError(resp.status, resp.url)
	c.log.Error("unexpected response", zap.Int("status", resp.status), zap.String("url", resp.url))
	c.lastErr = err
}

// do sends one request, retrying when configured. A response is returned for
// every status code; only transport failures produce an error.
func (c *Client) do(ctx context.Context, method, url string, payload []byte, token string) (*response, error) {
	var resp *response
	op := func() error {
		resp = nil
		r, err := c.roundTrip(ctx, method, url, payload, token)
		if err != nil {
			return err
		}
		resp = r
		if r.status >= http.StatusInternalServerError {
			return NewHTTPError(r.status, r.url)
		}
		return nil
	}

	if c.retries == 0 {
		if err := op(); err != nil && resp == nil {
			return nil, err
		}
		return resp, nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, c.retries), ctx),
		func(err error, d time.Duration) {
			c.log.Warn("retrying request", zap.String("url", url), zap.Duration("backoff", d), zap.Error(err))
		})
	if err != nil && resp == nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, method, url string, payload []byte, token string) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		c.log.Error("cannot create request", zap.Error(err))
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("authorization", "Bearer "+token)
	}

	// apply the ratelimit
	err = c.limit.Wait(ctx)
	if err != nil {
		c.log.Error("cannot await rate limit", zap.Error(err))
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &response{status: resp.StatusCode, url: resp.Request.URL.String(), body: b}, nil
}
