package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chat-insights/internal/domain"
)

const (
	skProfile    = "PROFILE"
	skPhone      = "USER"
	skMeta       = "META"
	skPair       = "CONV"
	skAnalysis   = "ANALYSIS"
	skPrefixMsg  = "MSG#"
	skPrefixConv = "CONV#"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores users, conversations, messages and annotations in a single
// DynamoDB table keyed by PK/SK.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

func userPK(userID string) string         { return "USER#" + userID }
func phonePK(phone string) string         { return "PHONE#" + phone }
func convPK(conversationID string) string { return "CONV#" + conversationID }
func pairPK(pairKey string) string        { return "PAIR#" + pairKey }
func memberPK(userID string) string       { return "MEMBER#" + userID }

// msgSK zero-pads the sequence so lexical order equals append order.
func msgSK(seq int64) string {
	return fmt.Sprintf("%s%020d", skPrefixMsg, seq)
}

// memberSKLayout is fixed width; RFC3339Nano trims trailing zeros and would
// break lexical ordering.
const memberSKLayout = "2006-01-02T15:04:05.000000000Z"

// memberSK orders a user's memberships by creation time, then id.
func memberSK(conv domain.Conversation) string {
	return skPrefixConv + conv.CreatedAt.UTC().Format(memberSKLayout) + "#" + conv.ID
}

const (
	reasonConditionalCheckFailed = "ConditionalCheckFailed"
	reasonTransactionConflict    = "TransactionConflict"

	maxConflictRetries = 1
)

// transactCreate runs a create-if-absent transaction and reports true when a
// condition check failed. A transaction conflict is retried.
func (c *Client) transactCreate(ctx context.Context, items []types.TransactWriteItem) (bool, error) {
	for attempt := 0; ; attempt++ {
		_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
		if err == nil {
			return false, nil
		}
		var canceled *types.TransactionCanceledException
		if !errors.As(err, &canceled) {
			return false, err
		}
		switch {
		case hasCancellationReason(canceled, reasonConditionalCheckFailed):
			return true, nil
		case hasCancellationReason(canceled, reasonTransactionConflict) && attempt < maxConflictRetries:
			continue
		default:
			return false, err
		}
	}
}

func hasCancellationReason(e *types.TransactionCanceledException, code string) bool {
	for _, r := range e.CancellationReasons {
		if aws.ToString(r.Code) == code {
			return true
		}
	}
	return false
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// GetOrCreateUser registers the phone number and profile in one transaction.
// When the phone is already taken the stored identity is returned instead.
func (c *Client) GetOrCreateUser(ctx context.Context, candidate domain.User) (domain.User, error) {
	exists, err := c.transactCreate(ctx, []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                userItem(phonePK(candidate.PhoneNumber), skPhone, candidate),
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			},
		},
		{
			Put: &types.Put{
				TableName: aws.String(c.tableName),
				Item:      userItem(userPK(candidate.ID), skProfile, candidate),
			},
		},
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("repository: GetOrCreateUser: %w", err)
	}
	if !exists {
		return candidate, nil
	}
	u, err := c.FindUserByPhone(ctx, candidate.PhoneNumber)
	if err != nil {
		return domain.User{}, fmt.Errorf("repository: GetOrCreateUser lookup: %w", err)
	}
	return u, nil
}

func (c *Client) GetUser(ctx context.Context, userID string) (domain.User, error) {
	item, err := c.getItem(ctx, userPK(userID), skProfile)
	if err != nil {
		return domain.User{}, fmt.Errorf("repository: GetUser: %w", err)
	}
	if item == nil {
		return domain.User{}, domain.ErrNotFound
	}
	u, err := itemToUser(item)
	if err != nil {
		return domain.User{}, fmt.Errorf("repository: GetUser unmarshal: %w", err)
	}
	return u, nil
}

func (c *Client) FindUserByPhone(ctx context.Context, phone string) (domain.User, error) {
	item, err := c.getItem(ctx, phonePK(phone), skPhone)
	if err != nil {
		return domain.User{}, fmt.Errorf("repository: FindUserByPhone: %w", err)
	}
	if item == nil {
		return domain.User{}, domain.ErrNotFound
	}
	u, err := itemToUser(item)
	if err != nil {
		return domain.User{}, fmt.Errorf("repository: FindUserByPhone unmarshal: %w", err)
	}
	return u, nil
}

// CreateConversation claims the pair key and writes the conversation meta
// plus one membership row per participant in a single transaction.
func (c *Client) CreateConversation(ctx context.Context, conv domain.Conversation) (domain.Conversation, error) {
	items := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                conversationItem(pairPK(conv.PairKey), skPair, conv),
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			},
		},
		{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                conversationItem(convPK(conv.ID), skMeta, conv),
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			},
		},
	}
	for _, p := range conv.Participants {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName: aws.String(c.tableName),
				Item:      conversationItem(memberPK(p), memberSK(conv), conv),
			},
		})
	}

	exists, err := c.transactCreate(ctx, items)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: CreateConversation: %w", err)
	}
	if !exists {
		return conv, nil
	}
	existing, err := c.FindConversationByPair(ctx, conv.PairKey)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: CreateConversation lookup: %w", err)
	}
	return existing, nil
}

func (c *Client) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	return c.conversationAt(ctx, "GetConversation", convPK(conversationID), skMeta)
}

func (c *Client) FindConversationByPair(ctx context.Context, pairKey string) (domain.Conversation, error) {
	return c.conversationAt(ctx, "FindConversationByPair", pairPK(pairKey), skPair)
}

func (c *Client) conversationAt(ctx context.Context, op, pk, sk string) (domain.Conversation, error) {
	item, err := c.getItem(ctx, pk, sk)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: %s: %w", op, err)
	}
	if item == nil {
		return domain.Conversation{}, domain.ErrNotFound
	}
	conv, err := itemToConversation(item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: %s unmarshal: %w", op, err)
	}
	return conv, nil
}

// ListConversations reads the user's membership rows, which sort by
// conversation creation time.
func (c *Client) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: memberPK(userID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixConv},
		},
		ScanIndexForward: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListConversations query: %w", err)
	}
	out := make([]domain.Conversation, 0, len(items))
	for _, item := range items {
		conv, err := itemToConversation(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListConversations unmarshal: %w", err)
		}
		out = append(out, conv)
	}
	return out, nil
}

// AppendMessage reserves the next sequence number on the conversation meta
// item, then writes the message under it. A failed write leaves a gap in
// the sequence, never a reordering.
func (c *Client) AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(convPK(msg.ConversationID), skMeta),
		UpdateExpression:    aws.String("SET msgCount = if_not_exists(msgCount, :zero) + :one"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero": &types.AttributeValueMemberN{Value: "0"},
			":one":  &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return domain.Message{}, domain.ErrNotFound
		}
		return domain.Message{}, fmt.Errorf("repository: AppendMessage reserve seq: %w", err)
	}
	seq, err := int64Attr(out.Attributes, "msgCount")
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: AppendMessage decode seq: %w", err)
	}
	msg.Seq = seq

	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                messageItem(msg),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return msg, nil
}

// ListMessages queries all MSG# items for a conversation in append order.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	items, err := c.queryAll(ctx, messagesQuery(c.tableName, conversationID, true))
	if err != nil {
		return nil, fmt.Errorf("repository: ListMessages query: %w", err)
	}
	msgs := make([]domain.Message, 0, len(items))
	for _, item := range items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListMessages unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (c *Client) LastMessage(ctx context.Context, conversationID string) (domain.Message, error) {
	in := messagesQuery(c.tableName, conversationID, false)
	in.Limit = aws.Int32(1)
	out, err := c.api.Query(ctx, in)
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: LastMessage query: %w", err)
	}
	if len(out.Items) == 0 {
		return domain.Message{}, domain.ErrNotFound
	}
	msg, err := itemToMessage(out.Items[0])
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: LastMessage unmarshal: %w", err)
	}
	return msg, nil
}

func messagesQuery(tableName, conversationID string, forward bool) *dynamodb.QueryInput {
	return &dynamodb.QueryInput{
		TableName:              aws.String(tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(forward),
		ConsistentRead:   aws.Bool(true),
	}
}

// PutAnnotation replaces the whole annotation item; readers never see a
// mix of old and new fields.
func (c *Client) PutAnnotation(ctx context.Context, ann domain.Annotation) error {
	item, err := annotationItem(ann)
	if err != nil {
		return fmt.Errorf("repository: PutAnnotation encode: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: PutAnnotation: %w", err)
	}
	return nil
}

func (c *Client) GetAnnotation(ctx context.Context, conversationID string) (domain.Annotation, error) {
	item, err := c.getItem(ctx, convPK(conversationID), skAnalysis)
	if err != nil {
		return domain.Annotation{}, fmt.Errorf("repository: GetAnnotation: %w", err)
	}
	if item == nil {
		return domain.Annotation{}, domain.ErrNotFound
	}
	ann, err := itemToAnnotation(item)
	if err != nil {
		return domain.Annotation{}, fmt.Errorf("repository: GetAnnotation unmarshal: %w", err)
	}
	return ann, nil
}

// ListAnnotations scans the table for ANALYSIS items.
func (c *Client) ListAnnotations(ctx context.Context) ([]domain.Annotation, error) {
	in := &dynamodb.ScanInput{
		TableName:        aws.String(c.tableName),
		FilterExpression: aws.String("SK = :sk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sk": &types.AttributeValueMemberS{Value: skAnalysis},
		},
	}
	var anns []domain.Annotation
	for {
		out, err := c.api.Scan(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListAnnotations scan: %w", err)
		}
		for _, item := range out.Items {
			ann, err := itemToAnnotation(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListAnnotations unmarshal: %w", err)
			}
			anns = append(anns, ann)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return anns, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (c *Client) getItem(ctx context.Context, pk, sk string) (map[string]types.AttributeValue, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}

func (c *Client) queryAll(ctx context.Context, in *dynamodb.QueryInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func userItem(pk, sk string, u domain.User) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":          &types.AttributeValueMemberS{Value: pk},
		"SK":          &types.AttributeValueMemberS{Value: sk},
		"userId":      &types.AttributeValueMemberS{Value: u.ID},
		"phoneNumber": &types.AttributeValueMemberS{Value: u.PhoneNumber},
		"createdAt":   &types.AttributeValueMemberS{Value: u.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
}

func conversationItem(pk, sk string, conv domain.Conversation) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: pk},
		"SK":             &types.AttributeValueMemberS{Value: sk},
		"conversationId": &types.AttributeValueMemberS{Value: conv.ID},
		"participantA":   &types.AttributeValueMemberS{Value: conv.Participants[0]},
		"participantB":   &types.AttributeValueMemberS{Value: conv.Participants[1]},
		"pairKey":        &types.AttributeValueMemberS{Value: conv.PairKey},
		"createdAt":      &types.AttributeValueMemberS{Value: conv.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
}

func messageItem(msg domain.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(msg.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: msgSK(msg.Seq)},
		"messageId":      &types.AttributeValueMemberS{Value: msg.ID},
		"conversationId": &types.AttributeValueMemberS{Value: msg.ConversationID},
		"senderId":       &types.AttributeValueMemberS{Value: msg.SenderID},
		"content":        &types.AttributeValueMemberS{Value: msg.Content},
		"seq":            &types.AttributeValueMemberN{Value: strconv.FormatInt(msg.Seq, 10)},
		"createdAt":      &types.AttributeValueMemberS{Value: msg.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
}

func annotationItem(ann domain.Annotation) (map[string]types.AttributeValue, error) {
	body, err := json.Marshal(ann.Analysis)
	if err != nil {
		return nil, err
	}
	return map[string]types.AttributeValue{
		"PK":                 &types.AttributeValueMemberS{Value: convPK(ann.ConversationID)},
		"SK":                 &types.AttributeValueMemberS{Value: skAnalysis},
		"conversationId":     &types.AttributeValueMemberS{Value: ann.ConversationID},
		"toxicity":           &types.AttributeValueMemberN{Value: strconv.Itoa(ann.Toxicity())},
		"summary":            &types.AttributeValueMemberS{Value: ann.Analysis.Summary},
		"leaderboardSummary": &types.AttributeValueMemberS{Value: ann.Analysis.LeaderboardSummary},
		"isTrafficker":       &types.AttributeValueMemberBOOL{Value: ann.Analysis.IsTrafficker},
		"analysis":           &types.AttributeValueMemberS{Value: string(body)},
		"analyzedAt":         &types.AttributeValueMemberS{Value: ann.AnalyzedAt.UTC().Format(time.RFC3339Nano)},
	}, nil
}

func itemToUser(item map[string]types.AttributeValue) (domain.User, error) {
	id, err := strAttr(item, "userId")
	if err != nil {
		return domain.User{}, err
	}
	phone, err := strAttr(item, "phoneNumber")
	if err != nil {
		return domain.User{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.User{}, err
	}
	return domain.User{ID: id, PhoneNumber: phone, CreatedAt: createdAt}, nil
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Conversation{}, err
	}
	a, err := strAttr(item, "participantA")
	if err != nil {
		return domain.Conversation{}, err
	}
	b, err := strAttr(item, "participantB")
	if err != nil {
		return domain.Conversation{}, err
	}
	pairKey, _ := strAttr(item, "pairKey") // derivable
	if pairKey == "" {
		pairKey = domain.PairKey(a, b)
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	return domain.Conversation{
		ID:           id,
		Participants: [2]string{a, b},
		PairKey:      pairKey,
		CreatedAt:    createdAt,
	}, nil
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "messageId")
	if err != nil {
		return domain.Message{}, err
	}
	convID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Message{}, err
	}
	sender, err := strAttr(item, "senderId")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	seq, err := int64Attr(item, "seq")
	if err != nil {
		return domain.Message{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       sender,
		Content:        content,
		Seq:            seq,
		CreatedAt:      createdAt,
	}, nil
}

func itemToAnnotation(item map[string]types.AttributeValue) (domain.Annotation, error) {
	convID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Annotation{}, err
	}
	body, err := strAttr(item, "analysis")
	if err != nil {
		return domain.Annotation{}, err
	}
	var analysis domain.Analysis
	if err := json.Unmarshal([]byte(body), &analysis); err != nil {
		return domain.Annotation{}, fmt.Errorf("repository: decode attribute %q: %w", "analysis", err)
	}
	analyzedAt, err := timeAttr(item, "analyzedAt")
	if err != nil {
		return domain.Annotation{}, err
	}
	return domain.Annotation{ConversationID: convID, Analysis: analysis, AnalyzedAt: analyzedAt}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}
