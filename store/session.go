package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	cerr "github.com/Yulian302/lfusys-services-media/internal/errors"
	"github.com/Yulian302/lfusys-services-media/internal/health"
	"github.com/Yulian302/lfusys-services-media/internal/retries"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	institutionIndex = "institution_id-index"
	statusIndex      = "status-expires_at-index"
)

// StatusUpdate is a compare-and-set on the session status: it applies only
// while the stored status is one of From.
type StatusUpdate struct {
	From            []models.UploadStatus
	To              models.UploadStatus
	Reason          string
	StorageReleased bool
	Now             time.Time
}

func (u StatusUpdate) validate() error {
	if len(u.From) == 0 {
		return fmt.Errorf("%w: no source status for %s", cerr.ErrInvalidState, u.To)
	}
	for _, from := range u.From {
		if !from.CanTransition(u.To) {
			return fmt.Errorf("%w: %s -> %s", cerr.ErrInvalidState, from, u.To)
		}
	}
	return nil
}

// SessionStore persists upload sessions. Conditional writes that lose return
// the current session together with ErrStatusConflict.
type SessionStore interface {
	CreateSession(ctx context.Context, session models.UploadSession) error
	GetSession(ctx context.Context, assetID string) (*models.UploadSession, error)
	MergePart(ctx context.Context, assetID string, partNumber int32, etag string, now time.Time) (*models.UploadSession, error)
	TransitionStatus(ctx context.Context, assetID string, upd StatusUpdate) (*models.UploadSession, error)
	BeginCompletion(ctx context.Context, assetID string, now time.Time) (*models.UploadSession, error)
	ListExpired(ctx context.Context, status models.UploadStatus, before time.Time, limit int32) ([]models.UploadSession, error)
	ListUnreleased(ctx context.Context, status models.UploadStatus, limit int32) ([]models.UploadSession, error)
	ListByInstitution(ctx context.Context, institutionID string) ([]models.UploadSession, error)
	MarkStorageReleased(ctx context.Context, assetID string) error
	Delete(ctx context.Context, assetID string) error

	health.ReadinessCheck
}

type SessionStoreImpl struct {
	client    *dynamodb.Client
	tableName string
}

func NewSessionStoreImpl(client *dynamodb.Client, tableName string) *SessionStoreImpl {
	return &SessionStoreImpl{
		client:    client,
		tableName: tableName,
	}
}

func (s *SessionStoreImpl) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	return retries.Retry(
		ctx,
		retries.HealthAttempts,
		retries.HealthBaseDelay,
		func() error {
			_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
				TableName: aws.String(s.tableName),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

func (s *SessionStoreImpl) Name() string {
	return "UploadsStore[sessions]"
}

func (s *SessionStoreImpl) CreateSession(ctx context.Context, session models.UploadSession) error {
	if session.Parts == nil {
		session.Parts = map[string]string{}
	}
	item, err := attributevalue.MarshalMap(session)
	if err != nil {
		return err
	}

	err = retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:           aws.String(s.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(asset_id)"),
			})
			return err
		},
		retries.IsRetriableDbError,
	)

	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("session %s: %w", session.AssetID, cerr.ErrAlreadyExists)
	}
	return err
}

func (s *SessionStoreImpl) GetSession(ctx context.Context, assetID string) (*models.UploadSession, error) {
	var session models.UploadSession

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
				TableName:      aws.String(s.tableName),
				Key:            assetKey(assetID),
				ConsistentRead: aws.Bool(true),
			})
			if err != nil {
				return err
			}

			if out.Item == nil {
				return cerr.ErrSessionNotFound
			}

			return attributevalue.UnmarshalMap(out.Item, &session)
		},
		retries.IsRetriableDbError,
	)

	if err != nil {
		return nil, err
	}

	return &session, nil
}

// MergePart sets one entry of the parts map while the session is UPLOADING.
// Merges of different parts commute; repeating a part overwrites its etag.
func (s *SessionStoreImpl) MergePart(ctx context.Context, assetID string, partNumber int32, etag string, now time.Time) (*models.UploadSession, error) {
	return s.update(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 assetKey(assetID),
		UpdateExpression:    aws.String("SET parts.#pn = :etag, last_updated_at = :now"),
		ConditionExpression: aws.String("attribute_exists(asset_id) AND #st = :uploading"),
		ExpressionAttributeNames: map[string]string{
			"#pn": models.PartKey(partNumber),
			"#st": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":etag":      &types.AttributeValueMemberS{Value: etag},
			":now":       timeValue(now),
			":uploading": statusValue(models.StatusUploading),
		},
	}, nil)
}

func (s *SessionStoreImpl) TransitionStatus(ctx context.Context, assetID string, upd StatusUpdate) (*models.UploadSession, error) {
	if err := upd.validate(); err != nil {
		return nil, err
	}

	values := map[string]types.AttributeValue{
		":to":  statusValue(upd.To),
		":now": timeValue(upd.Now),
	}
	from := make([]string, len(upd.From))
	for i, st := range upd.From {
		key := ":from" + strconv.Itoa(i)
		from[i] = key
		values[key] = statusValue(st)
	}

	update := "SET #st = :to, last_updated_at = :now"
	if upd.Reason != "" {
		update += ", failure_reason = :reason"
		values[":reason"] = &types.AttributeValueMemberS{Value: upd.Reason}
	}
	if upd.StorageReleased {
		update += ", storage_released = :released"
		values[":released"] = &types.AttributeValueMemberBOOL{Value: true}
	}

	return s.update(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       assetKey(assetID),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String(fmt.Sprintf("attribute_exists(asset_id) AND #st IN (%s)", strings.Join(from, ", "))),
		ExpressionAttributeNames:  map[string]string{"#st": "status"},
		ExpressionAttributeValues: values,
	}, stampedWith(upd.To, upd.Now))
}

// BeginCompletion moves an UPLOADING session holding every part to
// COMPLETING and returns the snapshot the transition was decided on.
func (s *SessionStoreImpl) BeginCompletion(ctx context.Context, assetID string, now time.Time) (*models.UploadSession, error) {
	return s.update(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.tableName),
		Key:                      assetKey(assetID),
		UpdateExpression:         aws.String("SET #st = :completing, last_updated_at = :now"),
		ConditionExpression:      aws.String("attribute_exists(asset_id) AND #st = :uploading AND size(parts) = total_parts"),
		ExpressionAttributeNames: map[string]string{"#st": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":completing": statusValue(models.StatusCompleting),
			":uploading":  statusValue(models.StatusUploading),
			":now":        timeValue(now),
		},
	}, stampedWith(models.StatusCompleting, now))
}

func (s *SessionStoreImpl) MarkStorageReleased(ctx context.Context, assetID string) error {
	_, err := s.update(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 assetKey(assetID),
		UpdateExpression:    aws.String("SET storage_released = :released"),
		ConditionExpression: aws.String("attribute_exists(asset_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":released": &types.AttributeValueMemberBOOL{Value: true},
		},
	}, nil)
	return err
}

// stampedWith matches the item a successful status write leaves behind:
// the target status and the exact last_updated_at that write set.
func stampedWith(status models.UploadStatus, now time.Time) func(*models.UploadSession) bool {
	return func(s *models.UploadSession) bool {
		return s.Status == status && s.LastUpdatedAt.Equal(now)
	}
}

// update runs a conditional UpdateItem. When a retried attempt fails its
// condition only because an earlier attempt already landed, applied
// recognises the item and the write counts as done.
func (s *SessionStoreImpl) update(ctx context.Context, in *dynamodb.UpdateItemInput, applied func(*models.UploadSession) bool) (*models.UploadSession, error) {
	in.ReturnValues = types.ReturnValueAllNew
	in.ReturnValuesOnConditionCheckFailure = types.ReturnValuesOnConditionCheckFailureAllOld

	var (
		out      *dynamodb.UpdateItemOutput
		attempts int
	)
	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			var err error
			attempts++
			out, err = s.client.UpdateItem(ctx, in)
			return err
		},
		retries.IsRetriableDbError,
	)
	if err != nil {
		current, err := sessionConflict(err)
		if attempts > 1 && applied != nil && current != nil && errors.Is(err, cerr.ErrStatusConflict) && applied(current) {
			return current, nil
		}
		return current, err
	}

	var session models.UploadSession
	if err := attributevalue.UnmarshalMap(out.Attributes, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// sessionConflict turns a failed condition into ErrSessionNotFound, or into
// ErrStatusConflict alongside the item as it was when the condition failed.
func sessionConflict(err error) (*models.UploadSession, error) {
	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return nil, err
	}
	if len(ccf.Item) == 0 {
		return nil, cerr.ErrSessionNotFound
	}

	var current models.UploadSession
	if uerr := attributevalue.UnmarshalMap(ccf.Item, &current); uerr != nil {
		return nil, uerr
	}
	return &current, fmt.Errorf("%w: status is %s", cerr.ErrStatusConflict, current.Status)
}

// ListExpired reads sessions in status whose expires_at is before the
// given time through the status index.
func (s *SessionStoreImpl) ListExpired(ctx context.Context, status models.UploadStatus, before time.Time, limit int32) ([]models.UploadSession, error) {
	return s.query(ctx, &dynamodb.QueryInput{
		TableName:                aws.String(s.tableName),
		IndexName:                aws.String(statusIndex),
		KeyConditionExpression:   aws.String("#st = :st AND expires_at < :before"),
		ExpressionAttributeNames: map[string]string{"#st": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":st":     statusValue(status),
			":before": &types.AttributeValueMemberN{Value: strconv.FormatInt(before.Unix(), 10)},
		},
	}, limit)
}

func (s *SessionStoreImpl) ListUnreleased(ctx context.Context, status models.UploadStatus, limit int32) ([]models.UploadSession, error) {
	return s.query(ctx, &dynamodb.QueryInput{
		TableName:                aws.String(s.tableName),
		IndexName:                aws.String(statusIndex),
		KeyConditionExpression:   aws.String("#st = :st"),
		FilterExpression:         aws.String("storage_released = :released"),
		ExpressionAttributeNames: map[string]string{"#st": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":st":       statusValue(status),
			":released": &types.AttributeValueMemberBOOL{Value: false},
		},
	}, limit)
}

func (s *SessionStoreImpl) ListByInstitution(ctx context.Context, institutionID string) ([]models.UploadSession, error) {
	return s.query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(institutionIndex),
		KeyConditionExpression: aws.String("institution_id = :i"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":i": &types.AttributeValueMemberS{Value: institutionID},
		},
	}, 0)
}

// query pages through in until limit items were read; limit 0 reads all.
func (s *SessionStoreImpl) query(ctx context.Context, in *dynamodb.QueryInput, limit int32) ([]models.UploadSession, error) {
	var sessions []models.UploadSession

	p := dynamodb.NewQueryPaginator(s.client, in)
	for p.HasMorePages() {
		var page *dynamodb.QueryOutput
		err := retries.Retry(
			ctx,
			retries.DefaultAttempts,
			retries.DefaultBaseDelay,
			func() error {
				var err error
				page, err = p.NextPage(ctx)
				return err
			},
			retries.IsRetriableDbError,
		)
		if err != nil {
			return nil, err
		}

		var batch []models.UploadSession
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, err
		}
		sessions = append(sessions, batch...)

		if limit > 0 && int32(len(sessions)) >= limit {
			return sessions[:limit], nil
		}
	}

	return sessions, nil
}

func (s *SessionStoreImpl) Delete(ctx context.Context, assetID string) error {
	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName:           aws.String(s.tableName),
				Key:                 assetKey(assetID),
				ConditionExpression: aws.String("attribute_exists(asset_id)"),
			})
			return err
		},
		retries.IsRetriableDbError,
	)

	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return cerr.ErrSessionNotFound
	}
	return err
}

// EnsureTable creates the sessions table and its indexes when missing.
func (s *SessionStoreImpl) EnsureTable(ctx context.Context) error {
	_, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("asset_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("institution_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("status"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("expires_at"), AttributeType: types.ScalarAttributeTypeN},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("asset_id"), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(institutionIndex),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("institution_id"), KeyType: types.KeyTypeHash},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
			{
				IndexName: aws.String(statusIndex),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("status"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("expires_at"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})

	var exists *types.ResourceInUseException
	if err != nil && !errors.As(err, &exists) {
		return fmt.Errorf("create table %s: %w", s.tableName, err)
	}
	return nil
}

func assetKey(assetID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"asset_id": &types.AttributeValueMemberS{Value: assetID},
	}
}

func statusValue(st models.UploadStatus) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: string(st)}
}

// timeValue matches the attributevalue encoding of time.Time.
func timeValue(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: t.Format(time.RFC3339Nano)}
}
