package bot

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/matrix-appservice-bot/pkg/autojoin"
	"github.com/lrhodin/matrix-appservice-bot/pkg/database"
	"github.com/lrhodin/matrix-appservice-bot/pkg/dispatch"
	"github.com/lrhodin/matrix-appservice-bot/pkg/provision"
	"github.com/lrhodin/matrix-appservice-bot/pkg/txn"
)

// Policy is the hosting policy for provisioning and invites.
type Policy interface {
	provision.RoomPolicy
	provision.UserPolicy
	autojoin.Policy
}

type Params struct {
	DB        *database.Database
	Transport Transport
	Policy    Policy
	AutoJoin  autojoin.Config
	Log       zerolog.Logger

	MaxConcurrentEvents int
	Retention           time.Duration
	PruneInterval       time.Duration
	CommandPrefix       string
	// ContentHandlers get every message event in addition to the built-in
	// commands.
	ContentHandlers []MessageContentHandler
}

// New builds every component once and connects them.
func New(p Params) (*Coordinator, error) {
	if p.DB == nil || p.Transport == nil || p.Policy == nil {
		return nil, errors.New("database, transport and policy are required")
	}
	if p.PruneInterval <= 0 {
		p.PruneInterval = time.Hour
	}
	if p.CommandPrefix == "" {
		p.CommandPrefix = "!"
	}
	log := p.Log

	resolver := provision.NewResolver(provision.NewDBRepository(p.DB), p.Policy, p.Policy, log)
	registrar := &registrar{transport: p.Transport, users: resolver.Users}
	engine := autojoin.NewEngine(p.AutoJoin, p.Transport, registrar, p.Policy, resolver, log)

	commands := NewCommandProcessor(p.CommandPrefix, p.Transport)
	contentHandlers := append([]MessageContentHandler{commands}, p.ContentHandlers...)
	router := dispatch.NewRouter(log,
		engine,
		NewMembershipHandler(engine.IsManaged, resolver),
		NewMessageHandler(p.AutoJoin.PrimaryBot, contentHandlers...),
	)
	tracker := txn.NewTracker(p.DB.Event, router, log, p.MaxConcurrentEvents)

	return &Coordinator{
		Tracker:       tracker,
		Router:        router,
		Resolver:      resolver,
		AutoJoin:      engine,
		transport:     p.Transport,
		retention:     p.Retention,
		pruneInterval: p.PruneInterval,
		log:           log.With().Str("component", "coordinator").Logger(),
	}, nil
}

// registrar registers a user on the homeserver and then persists it, which
// is what the auto-join engine needs for its forbidden recovery.
type registrar struct {
	transport Transport
	users     *provision.UserResolver
}

func (r *registrar) RegisterActor(ctx context.Context, userID id.UserID) error {
	if err := r.transport.RegisterActor(ctx, userID); err != nil {
		return err
	}
	return r.users.OnCreated(ctx, userID)
}
