package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/launchpad/launchpad/internal/config"
	"github.com/launchpad/launchpad/internal/conversation"
	"github.com/launchpad/launchpad/internal/gateway"
	"github.com/launchpad/launchpad/internal/handlers"
	"github.com/launchpad/launchpad/internal/metrics"
	"github.com/launchpad/launchpad/internal/models"
	"github.com/launchpad/launchpad/internal/presence"
	"github.com/launchpad/launchpad/internal/realtime"
	"github.com/launchpad/launchpad/internal/repository"
	"github.com/launchpad/launchpad/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	email := flag.String("email", os.Getenv("LAUNCHPAD_EMAIL"), "account email, used when no session can be restored")
	password := flag.String("password", os.Getenv("LAUNCHPAD_PASSWORD"), "account password")
	peer := flag.String("peer", "", "id or email of the user to chat with")
	logout := flag.Bool("logout", false, "sign out on exit instead of keeping the session")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	metrics.Register()

	sessions, err := initSessionRepository(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize session backup")
	}

	jar, _ := cookiejar.New(nil)
	httpClient := &http.Client{Timeout: cfg.API.Timeout, Jar: jar}

	// Initialize session core
	tokens := service.NewTokenStore(sessions, cfg.Session.Key, logger)
	state := service.NewSessionState(tokens)
	refresh := service.NewRefreshService(state, httpClient, cfg.API.BaseURL, cfg.Session.RefreshInterval, logger)
	gw := gateway.New(httpClient, cfg.API.BaseURL, tokens, refresh, logger)
	auth := service.NewAuthService(state, gw, refresh, logger)

	// Initialize realtime
	dialer := realtime.NewWebsocketDialer(jar, 2*cfg.Realtime.PingInterval)
	manager := realtime.NewManager(realtime.Options{
		URL:               cfg.Realtime.URL,
		ReconnectAttempts: cfg.Realtime.ReconnectAttempts,
		ReconnectDelay:    cfg.Realtime.ReconnectDelay,
		ReconnectDelayMax: cfg.Realtime.ReconnectDelayMax,
		PingInterval:      cfg.Realtime.PingInterval,
		SendQueueSize:     cfg.Realtime.SendQueueSize,
	}, dialer, func() http.Header {
		h := http.Header{}
		if token := tokens.AccessToken(); token != "" {
			h.Set("Authorization", "Bearer "+token)
		}
		return h
	}, logger)

	tracker := presence.NewTracker(logger)
	tracker.Attach(manager)
	for _, event := range []string{models.EventPostCreated, models.EventCommentCreated} {
		event := event
		manager.Subscribe(event, func(data json.RawMessage) {
			n := models.Notification{Event: event, Data: data}
			logger.WithFields(logrus.Fields{
				"event": n.Event,
				"bytes": len(n.Data),
			}).Info("Notification received")
		})
	}
	manager.OnStateChange(func(s realtime.ConnectionState) {
		logger.WithField("state", s.String()).Info("Realtime connection state changed")
	})
	manager.Follow(auth)

	status := handlers.NewStatusHandlers(auth, manager, tracker, logger)
	statusSrv := &http.Server{
		Addr:              cfg.Status.Addr,
		Handler:           status.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.WithField("addr", cfg.Status.Addr).Info("Starting status server")
		if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Status server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !auth.CheckAuthStatus(ctx) {
		if *email == "" {
			logger.Fatal("No stored session; pass -email and -password")
		}
		if _, err := auth.Login(ctx, models.LoginRequest{Email: *email, Password: *password}); err != nil {
			logger.WithError(err).Fatal("Login failed")
		}
	}

	var channel *conversation.Channel
	if *peer != "" {
		target, err := resolvePeer(ctx, gw, *peer)
		if err != nil {
			logger.WithError(err).Fatal("Failed to resolve peer")
		}
		me := auth.CurrentUser()
		channel = conversation.NewChannel(me.ChatUser(), target.ChatUser(), manager, cfg.Chat.TypingDebounce, logger)
		channel.OnChange(func() {
			msgs := channel.Messages()
			if len(msgs) > 0 {
				last := msgs[len(msgs)-1]
				logger.WithFields(logrus.Fields{
					"from":   last.Sender.Name,
					"status": last.Status.String(),
				}).Info(last.Content)
			}
		})
		status.SetConversation(channel)

		joinWhenConnected(manager, channel)
		go readInput(ctx, channel, logger)
	}

	<-ctx.Done()
	logger.Info("Shutting down client...")

	if channel != nil {
		channel.Leave()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if *logout {
		auth.Logout(shutdownCtx)
	}
	manager.Close()
	refresh.StopTimer()

	if err := statusSrv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Status server forced to shutdown")
	}
	logger.Info("Client exited")
}

// joinWhenConnected announces the conversation now and again on every
// reconnect.
func joinWhenConnected(manager *realtime.Manager, channel *conversation.Channel) {
	manager.Subscribe(realtime.EventConnect, func(json.RawMessage) {
		_ = manager.JoinConversation(channel.Peer().ID)
	})
	channel.Join()
}

func readInput(ctx context.Context, channel *conversation.Channel, logger *logrus.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		channel.Keystroke()
		if _, err := channel.Send(scanner.Text()); err != nil && !errors.Is(err, conversation.ErrEmptyMessage) {
			logger.WithError(err).Warn("Send failed")
		}
	}
}

type usersResponse struct {
	Success bool          `json:"success"`
	Data    []models.User `json:"data"`
}

func resolvePeer(ctx context.Context, gw *gateway.Gateway, ref string) (*models.User, error) {
	resp, err := gw.Get(ctx, "/users")
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &service.APIError{Status: resp.StatusCode, Message: resp.Message()}
	}
	var users usersResponse
	if err := resp.Decode(&users); err != nil {
		return nil, err
	}
	for i := range users.Data {
		u := &users.Data[i]
		if u.ID == ref || strings.EqualFold(u.Email, ref) {
			return u, nil
		}
	}
	return nil, fmt.Errorf("no user matches %q", ref)
}

func initSessionRepository(cfg *config.Config, logger *logrus.Logger) (repository.SessionRepository, error) {
	var sealer *repository.Sealer
	if cfg.Session.Secret != "" {
		s, err := repository.NewSealer(cfg.Session.Secret)
		if err != nil {
			return nil, err
		}
		sealer = s
	}

	switch cfg.Session.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Endpoint,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.WithField("endpoint", cfg.Redis.Endpoint).Info("Redis session backup initialized")
		return repository.NewRedisSessionRepository(client, cfg.Session.BackupTTL, sealer, logger), nil

	case "dynamodb":
		client, err := initDynamoDB(cfg, logger)
		if err != nil {
			return nil, err
		}
		return repository.NewDynamoSessionRepository(client, cfg.DynamoDB.TableName, cfg.Session.BackupTTL, sealer, logger), nil

	default:
		return repository.NewMemorySessionRepository(sealer), nil
	}
}

func initDynamoDB(cfg *config.Config, logger *logrus.Logger) (*dynamodb.Client, error) {
	var awsCfg aws.Config
	var err error

	if cfg.DynamoDB.Endpoint != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO(),
			awsconfig.WithRegion(cfg.DynamoDB.Region),
			awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
				func(service, region string, options ...interface{}) (aws.Endpoint, error) {
					return aws.Endpoint{
						URL:           cfg.DynamoDB.Endpoint,
						SigningRegion: cfg.DynamoDB.Region,
					}, nil
				})),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO(), awsconfig.WithRegion(cfg.DynamoDB.Region))
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg)
	logger.Info("DynamoDB client initialized")
	return client, nil
}
