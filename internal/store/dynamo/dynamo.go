// Package dynamo implements the store contracts on DynamoDB.
//
// Layout:
//
//   - sessions table: partition key "sessionId", plus the speaker GSI
//     (partition "speakerId") that backs the one-live-broadcast-per-speaker
//     check at session creation.
//   - connections table: partition key "connectionId", plus the
//     session-language GSI (partition "sessionId", sort "targetLanguage")
//     that serves every language-bucket query on the hot path.
//   - ratelimits table: partition key "bucketKey".
//   - translations table: partition key "cacheKey", plus an LRU GSI with a
//     constant partition and "lastAccessed" sort key used only by eviction.
//
// All tables have store-side TTL enabled on "expiresAt".
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/polyvox/polyvox/internal/store"
	"github.com/polyvox/polyvox/pkg/types"
)

const (
	languageIndex = "session-language-index"
	speakerIndex  = "speaker-index"
	lruIndex      = "last-accessed-index"

	// lruPartition is the constant GSI partition that gives eviction an
	// ordered view over lastAccessed.
	lruPartition = "cache"
)

// Config names the four tables.
type Config struct {
	SessionsTable     string
	ConnectionsTable  string
	RateLimitsTable   string
	TranslationsTable string
}

// Store implements store.Store on DynamoDB.
type Store struct {
	client *dynamodb.Client
	cfg    Config
}

// New creates a DynamoDB-backed store. The client is typically built from
// aws config.LoadDefaultConfig in main.
func New(client *dynamodb.Client, cfg Config) (*Store, error) {
	if cfg.SessionsTable == "" || cfg.ConnectionsTable == "" {
		return nil, errors.New("dynamo: sessions and connections table names are required")
	}
	if cfg.RateLimitsTable == "" {
		cfg.RateLimitsTable = "ratelimits"
	}
	if cfg.TranslationsTable == "" {
		cfg.TranslationsTable = "translations"
	}
	return &Store{client: client, cfg: cfg}, nil
}

// ─── SessionStore ────────────────────────────────────────────────────────────

func (s *Store) CreateSession(ctx context.Context, sess types.Session) error {
	item, err := attributevalue.MarshalMap(sess)
	if err != nil {
		return fmt.Errorf("dynamo: marshal session: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.cfg.SessionsTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(sessionId)"),
	})
	return classify(err)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (types.Session, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.cfg.SessionsTable),
		Key:       stringKey("sessionId", sessionID),
	})
	if err != nil {
		return types.Session{}, classify(err)
	}
	if out.Item == nil {
		return types.Session{}, store.ErrNotFound
	}
	var sess types.Session
	if err := attributevalue.UnmarshalMap(out.Item, &sess); err != nil {
		return types.Session{}, fmt.Errorf("dynamo: unmarshal session: %w", err)
	}
	// TTL deletion lags by design; treat expired rows as gone.
	if !sess.ExpiresAt.IsZero() && !time.Now().Before(sess.ExpiresAt) {
		return types.Session{}, store.ErrNotFound
	}
	return sess, nil
}

func (s *Store) ActiveSessionForSpeaker(ctx context.Context, speakerID string) (string, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.cfg.SessionsTable),
		IndexName:              aws.String(speakerIndex),
		KeyConditionExpression: aws.String("speakerId = :sp"),
		FilterExpression:       aws.String("broadcastState.isActive = :active AND expiresAt > :now"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":sp":     &ddbtypes.AttributeValueMemberS{Value: speakerID},
			":active": &ddbtypes.AttributeValueMemberBOOL{Value: true},
			":now":    &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", time.Now().Unix())},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return "", classify(err)
	}
	if len(out.Items) == 0 {
		return "", store.ErrNotFound
	}
	var row struct {
		SessionID string `dynamodbav:"sessionId"`
	}
	if err := attributevalue.UnmarshalMap(out.Items[0], &row); err != nil {
		return "", fmt.Errorf("dynamo: unmarshal speaker index row: %w", err)
	}
	return row.SessionID, nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.cfg.SessionsTable),
		Key:       stringKey("sessionId", sessionID),
	})
	return classify(err)
}

func (s *Store) UpdateBroadcastState(ctx context.Context, sessionID string, st types.BroadcastState) error {
	stAttr, err := attributevalue.Marshal(st)
	if err != nil {
		return fmt.Errorf("dynamo: marshal broadcast state: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.cfg.SessionsTable),
		Key:                 stringKey("sessionId", sessionID),
		UpdateExpression:    aws.String("SET broadcastState = :st"),
		ConditionExpression: aws.String("attribute_exists(sessionId)"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":st": stAttr,
		},
	})
	err = classify(err)
	if errors.Is(err, store.ErrConditionFailed) {
		return store.ErrNotFound
	}
	return err
}

func (s *Store) AddListenerCount(ctx context.Context, sessionID string, delta int64) (int64, error) {
	in := &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.cfg.SessionsTable),
		Key:              stringKey("sessionId", sessionID),
		UpdateExpression: aws.String("ADD listenerCount :d"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":d": &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", delta)},
		},
		ReturnValues: ddbtypes.ReturnValueUpdatedNew,
	}
	if delta < 0 {
		in.ConditionExpression = aws.String("attribute_exists(sessionId) AND listenerCount >= :abs")
		in.ExpressionAttributeValues[":abs"] = &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", -delta)}
	} else {
		in.ConditionExpression = aws.String("attribute_exists(sessionId)")
	}

	out, err := s.client.UpdateItem(ctx, in)
	if err != nil {
		err = classify(err)
		if delta < 0 && errors.Is(err, store.ErrConditionFailed) {
			return 0, store.ErrNegativeCount
		}
		if errors.Is(err, store.ErrConditionFailed) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}

	var post struct {
		ListenerCount int64 `dynamodbav:"listenerCount"`
	}
	if err := attributevalue.UnmarshalMap(out.Attributes, &post); err != nil {
		return 0, fmt.Errorf("dynamo: unmarshal counter post-image: %w", err)
	}
	return post.ListenerCount, nil
}

// ─── ConnectionStore ─────────────────────────────────────────────────────────

func (s *Store) PutConnection(ctx context.Context, c types.Connection) error {
	item, err := attributevalue.MarshalMap(c)
	if err != nil {
		return fmt.Errorf("dynamo: marshal connection: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.cfg.ConnectionsTable),
		Item:      item,
	})
	return classify(err)
}

func (s *Store) GetConnection(ctx context.Context, connectionID string) (types.Connection, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.cfg.ConnectionsTable),
		Key:       stringKey("connectionId", connectionID),
	})
	if err != nil {
		return types.Connection{}, classify(err)
	}
	if out.Item == nil {
		return types.Connection{}, store.ErrNotFound
	}
	var c types.Connection
	if err := attributevalue.UnmarshalMap(out.Item, &c); err != nil {
		return types.Connection{}, fmt.Errorf("dynamo: unmarshal connection: %w", err)
	}
	if !c.ExpiresAt.IsZero() && !time.Now().Before(c.ExpiresAt) {
		return types.Connection{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) DeleteConnection(ctx context.Context, connectionID string) (bool, error) {
	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.cfg.ConnectionsTable),
		Key:          stringKey("connectionId", connectionID),
		ReturnValues: ddbtypes.ReturnValueAllOld,
	})
	if err != nil {
		return false, classify(err)
	}
	return out.Attributes != nil, nil
}

func (s *Store) ListListeners(ctx context.Context, sessionID string) ([]types.Connection, error) {
	return s.queryIndex(ctx, sessionID, "", false)
}

func (s *Store) ListListenersByLanguage(ctx context.Context, sessionID, targetLanguage string) ([]types.Connection, error) {
	return s.queryIndex(ctx, sessionID, targetLanguage, false)
}

func (s *Store) ListTargetLanguages(ctx context.Context, sessionID string) ([]string, error) {
	conns, err := s.queryIndex(ctx, sessionID, "", true)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(conns))
	var langs []string
	for _, c := range conns {
		if c.TargetLanguage == "" {
			continue
		}
		if _, ok := seen[c.TargetLanguage]; ok {
			continue
		}
		seen[c.TargetLanguage] = struct{}{}
		langs = append(langs, c.TargetLanguage)
	}
	return langs, nil
}

func (s *Store) DeleteAllForSession(ctx context.Context, sessionID string) error {
	conns, err := s.queryIndex(ctx, sessionID, "", true)
	if err != nil {
		return err
	}
	for _, c := range conns {
		if _, err := s.DeleteConnection(ctx, c.ConnectionID); err != nil {
			return err
		}
	}
	return nil
}

// queryIndex runs a single query against the session-language GSI. An empty
// targetLanguage queries the whole partition. projectionOnly restricts the
// result to the index keys.
func (s *Store) queryIndex(ctx context.Context, sessionID, targetLanguage string, projectionOnly bool) ([]types.Connection, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.cfg.ConnectionsTable),
		IndexName:              aws.String(languageIndex),
		KeyConditionExpression: aws.String("sessionId = :sid"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":sid": &ddbtypes.AttributeValueMemberS{Value: sessionID},
		},
	}
	if targetLanguage != "" {
		in.KeyConditionExpression = aws.String("sessionId = :sid AND targetLanguage = :tl")
		in.ExpressionAttributeValues[":tl"] = &ddbtypes.AttributeValueMemberS{Value: targetLanguage}
	}
	if projectionOnly {
		in.ProjectionExpression = aws.String("connectionId, sessionId, targetLanguage")
	}

	var out []types.Connection
	paginator := dynamodb.NewQueryPaginator(s.client, in)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(err)
		}
		var conns []types.Connection
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &conns); err != nil {
			return nil, fmt.Errorf("dynamo: unmarshal connections: %w", err)
		}
		for _, c := range conns {
			if c.Role != "" && c.Role != types.RoleListener {
				continue
			}
			out = append(out, c)
		}
	}
	return out, nil
}

// ─── RateStore ───────────────────────────────────────────────────────────────

func (s *Store) IncrRateBucket(ctx context.Context, op, idType, idValue string, windowStart time.Time, ttl time.Duration) (int64, error) {
	key := fmt.Sprintf("%s#%s#%s#%d", op, idType, idValue, windowStart.Unix())
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.cfg.RateLimitsTable),
		Key:              stringKey("bucketKey", key),
		UpdateExpression: aws.String("ADD cnt :one SET expiresAt = if_not_exists(expiresAt, :exp)"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":one": &ddbtypes.AttributeValueMemberN{Value: "1"},
			":exp": &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", windowStart.Add(ttl).Unix())},
		},
		ReturnValues: ddbtypes.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, classify(err)
	}
	var post struct {
		Cnt int64 `dynamodbav:"cnt"`
	}
	if err := attributevalue.UnmarshalMap(out.Attributes, &post); err != nil {
		return 0, fmt.Errorf("dynamo: unmarshal rate bucket: %w", err)
	}
	return post.Cnt, nil
}

func (s *Store) GetRateBucket(ctx context.Context, op, idType, idValue string, windowStart time.Time) (int64, error) {
	key := fmt.Sprintf("%s#%s#%s#%d", op, idType, idValue, windowStart.Unix())
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.cfg.RateLimitsTable),
		Key:       stringKey("bucketKey", key),
	})
	if err != nil {
		return 0, classify(err)
	}
	if out.Item == nil {
		return 0, nil
	}
	var b struct {
		Cnt int64 `dynamodbav:"cnt"`
	}
	if err := attributevalue.UnmarshalMap(out.Item, &b); err != nil {
		return 0, fmt.Errorf("dynamo: unmarshal rate bucket: %w", err)
	}
	return b.Cnt, nil
}

// ─── TranslationStore ────────────────────────────────────────────────────────

// dynamoTranslation adds the constant LRU partition attribute to the shared
// entry shape.
type dynamoTranslation struct {
	store.TranslationEntry
	LRUPartition string `dynamodbav:"lruPartition"`
}

func (s *Store) GetTranslation(ctx context.Context, cacheKey string) (store.TranslationEntry, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.cfg.TranslationsTable),
		Key:       stringKey("cacheKey", cacheKey),
	})
	if err != nil {
		return store.TranslationEntry{}, classify(err)
	}
	if out.Item == nil {
		return store.TranslationEntry{}, store.ErrNotFound
	}
	var e store.TranslationEntry
	if err := attributevalue.UnmarshalMap(out.Item, &e); err != nil {
		return store.TranslationEntry{}, fmt.Errorf("dynamo: unmarshal translation: %w", err)
	}
	if !e.ExpiresAt.IsZero() && !time.Now().Before(e.ExpiresAt) {
		return store.TranslationEntry{}, store.ErrNotFound
	}
	return e, nil
}

func (s *Store) PutTranslation(ctx context.Context, e store.TranslationEntry) error {
	item, err := attributevalue.MarshalMap(dynamoTranslation{TranslationEntry: e, LRUPartition: lruPartition})
	if err != nil {
		return fmt.Errorf("dynamo: marshal translation: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.cfg.TranslationsTable),
		Item:      item,
	})
	return classify(err)
}

func (s *Store) TouchTranslation(ctx context.Context, cacheKey string, at time.Time) error {
	la, err := attributevalue.Marshal(at)
	if err != nil {
		return fmt.Errorf("dynamo: marshal lastAccessed: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.cfg.TranslationsTable),
		Key:                 stringKey("cacheKey", cacheKey),
		UpdateExpression:    aws.String("SET lastAccessed = :la"),
		ConditionExpression: aws.String("attribute_exists(cacheKey)"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":la": la,
		},
	})
	err = classify(err)
	if errors.Is(err, store.ErrConditionFailed) {
		return nil // row raced away; touch is best-effort
	}
	return err
}

func (s *Store) TranslationCount(ctx context.Context) (int, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.cfg.TranslationsTable),
		IndexName:              aws.String(lruIndex),
		KeyConditionExpression: aws.String("lruPartition = :p"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":p": &ddbtypes.AttributeValueMemberS{Value: lruPartition},
		},
		Select: ddbtypes.SelectCount,
	})
	if err != nil {
		return 0, classify(err)
	}
	return int(out.Count), nil
}

func (s *Store) EvictOldestTranslations(ctx context.Context, k int) (int, error) {
	if k <= 0 {
		return 0, nil
	}
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.cfg.TranslationsTable),
		IndexName:              aws.String(lruIndex),
		KeyConditionExpression: aws.String("lruPartition = :p"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":p": &ddbtypes.AttributeValueMemberS{Value: lruPartition},
		},
		ProjectionExpression: aws.String("cacheKey"),
		ScanIndexForward:     aws.Bool(true), // oldest lastAccessed first
		Limit:                aws.Int32(int32(k)),
	})
	if err != nil {
		return 0, classify(err)
	}

	removed := 0
	for _, item := range out.Items {
		var row struct {
			CacheKey string `dynamodbav:"cacheKey"`
		}
		if err := attributevalue.UnmarshalMap(item, &row); err != nil {
			continue
		}
		if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.cfg.TranslationsTable),
			Key:       stringKey("cacheKey", row.CacheKey),
		}); err != nil {
			return removed, classify(err)
		}
		removed++
	}
	return removed, nil
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func stringKey(name, value string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		name: &ddbtypes.AttributeValueMemberS{Value: value},
	}
}

// classify maps DynamoDB errors onto the shared store error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var ccf *ddbtypes.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return store.ErrConditionFailed
	}

	var throughput *ddbtypes.ProvisionedThroughputExceededException
	if errors.As(err, &throughput) {
		return &store.TransientError{Err: err}
	}
	var limit *ddbtypes.RequestLimitExceeded
	if errors.As(err, &limit) {
		return &store.TransientError{Err: err}
	}
	var internal *ddbtypes.InternalServerError
	if errors.As(err, &internal) {
		return &store.TransientError{Err: err}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailable", "ServiceUnavailableException":
			return &store.TransientError{Err: err}
		}
	}

	return fmt.Errorf("dynamo: %w", err)
}
