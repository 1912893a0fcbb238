package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"

	"pingup_core/internal/broker"
	"pingup_core/internal/config"
	"pingup_core/internal/domain"
	"pingup_core/internal/gateway"
	"pingup_core/internal/message"
	"pingup_core/internal/notify"
	"pingup_core/internal/presence"
	"pingup_core/internal/relay"
	"pingup_core/internal/repository"
	"pingup_core/internal/store"
	"pingup_core/internal/typing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for demo
	},
}

func main() {
	// 1. Configuration
	godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.SetFormatter(&log.JSONFormatter{
		FieldMap: log.FieldMap{log.FieldKeyMsg: "message"},
	})
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. User directory
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer db.Close()
	users := repository.NewUserRepository(db)

	var directory notify.Directory = users
	if cfg.Directory == "firestore" {
		fsDir, err := repository.NewFirestoreDirectory(ctx, cfg.FirebaseProject)
		if err != nil {
			log.Fatalf("Failed to connect to Firestore: %v", err)
		}
		defer fsDir.Close()
		directory = fsDir
	}

	// 3. State store
	var st store.Store
	if cfg.BadgerPath != "" {
		b, err := store.OpenBadger(cfg.BadgerPath)
		if err != nil {
			log.Fatalf("Failed to open badger store: %v", err)
		}
		st = b
	} else {
		st = store.NewMemory()
	}
	defer st.Close()

	// 4. RabbitMQ
	mq, err := broker.NewClient(cfg.AMQPURL, cfg.StreamURI)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer mq.Close()

	// 5. Core services
	tracker := presence.NewTracker(st)
	signal := typing.NewSignal(st, cfg.TypingIdle)
	defer signal.Close()
	messages := message.NewStore(st)

	// 6. Relay Worker
	streamName := ""
	if cfg.StreamURI != "" {
		streamName = cfg.MessageStream
	}
	worker := relay.NewWorker(st, mq, streamName)
	go func() {
		if err := worker.Start(ctx); err != nil {
			log.Fatalf("Relay worker failed: %v", err)
		}
	}()

	// 7. Notification Dispatcher
	var backends []notify.Backend
	for _, name := range cfg.PushBackends {
		switch name {
		case "fcm":
			fcm, err := notify.NewFCM(ctx, cfg.FirebaseProject)
			if err != nil {
				log.Fatalf("Failed to init FCM backend: %v", err)
			}
			backends = append(backends, fcm)
		case "expo":
			backends = append(backends, notify.NewExpo())
		default:
			log.Fatalf("Unknown push backend %q", name)
		}
	}
	dispatcher := notify.NewDispatcher(directory, backends, cfg.DeliveryTimeout)
	if streamName != "" {
		go func() {
			if err := dispatcher.StartStream(ctx, mq, streamName); err != nil {
				log.Fatalf("Stream dispatcher failed: %v", err)
			}
		}()
	} else {
		go dispatcher.Start(ctx, st)
	}

	// 8. WebSocket Hub
	hub := gateway.NewHub(st, tracker, signal, messages, mq)
	go hub.Run(ctx)

	// 9. HTTP Handlers
	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		uid := r.URL.Query().Get("uid")
		deviceIDStr := r.URL.Query().Get("device_id")
		if uid == "" || deviceIDStr == "" {
			http.Error(w, "Missing uid or device_id", http.StatusBadRequest)
			return
		}
		deviceID, err := uuid.Parse(deviceIDStr)
		if err != nil {
			http.Error(w, "Invalid device_id", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("Failed to upgrade WS: %v", err)
			return
		}

		client := gateway.NewClient(hub, conn, uid, deviceID)
		hub.Register <- client

		go client.WritePump()
		go client.ReadPump(ctx)
	})

	http.HandleFunc("/users", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var u domain.User
			if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
				http.Error(w, "Invalid body", http.StatusBadRequest)
				return
			}
			if err := users.CreateUser(r.Context(), &u); err != nil {
				log.Warnf("Failed to create user: %v", err)
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(u)
		case http.MethodGet:
			u, err := users.User(r.Context(), r.URL.Query().Get("uid"))
			if err == repository.ErrUserNotFound {
				http.Error(w, "User not found", http.StatusNotFound)
				return
			}
			if err != nil {
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(u)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}))

	http.HandleFunc("/users/search", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 20
		}
		found, err := users.SearchUsers(r.Context(), r.URL.Query().Get("q"), limit)
		if err != nil {
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(found)
	}))

	http.HandleFunc("/follow", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Follower string `json:"follower"`
			Followee string `json:"followee"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid body", http.StatusBadRequest)
			return
		}
		var err error
		switch r.Method {
		case http.MethodPost:
			err = users.Follow(r.Context(), body.Follower, body.Followee)
		case http.MethodDelete:
			err = users.Unfollow(r.Context(), body.Follower, body.Followee)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err != nil {
			log.Warnf("Failed to update follow edge: %v", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	http.HandleFunc("/tokens", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var t domain.NotificationToken
		if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
			http.Error(w, "Invalid body", http.StatusBadRequest)
			return
		}
		if err := users.RegisterToken(r.Context(), t); err != nil {
			log.Warnf("Failed to register token: %v", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	http.HandleFunc("/chats", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var body struct {
				UID    string `json:"uid"`
				PeerID string `json:"peerId"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, "Invalid body", http.StatusBadRequest)
				return
			}
			chatID, err := messages.EnsureChat(r.Context(), body.UID, body.PeerID)
			if err != nil {
				http.Error(w, "Invalid participants", http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"chatId": chatID})
		case http.MethodGet:
			summaries, err := messages.Summaries(r.Context(), r.URL.Query().Get("uid"))
			if err != nil {
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(summaries)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}))

	http.HandleFunc("/messages", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var body struct {
				ChatID   string         `json:"chatId"`
				SenderID string         `json:"senderId"`
				Payload  domain.Payload `json:"payload"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, "Invalid body", http.StatusBadRequest)
				return
			}
			msg, err := messages.Append(r.Context(), body.ChatID, body.SenderID, body.Payload)
			if err != nil {
				http.Error(w, "Invalid message", http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(msg)
		case http.MethodGet:
			msgs, err := messages.VisibleMessages(r.Context(), r.URL.Query().Get("chat_id"))
			if err != nil {
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(msgs)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}))

	http.HandleFunc("/presence", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		rec, err := tracker.Presence(r.Context(), r.URL.Query().Get("uid"))
		if err != nil {
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(rec)
	}))

	log.Infof("Server starting on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, nil); err != nil {
		log.Fatal(err)
	}
}

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}
