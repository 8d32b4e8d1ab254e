// Package blobgateway lists, leases, reads, and moves the signed archives
// sitting in per-jurisdiction input containers, adapted from the teacher's
// S3 blob store wrapping to operate on plain (container, filename) keys
// instead of content-addressed digests, plus a DynamoDB-backed lease.
package blobgateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

// ErrNotFound is returned when the requested archive no longer exists.
var ErrNotFound = errors.New("archive not found")

// ErrBusy is returned by AcquireLease on lease conflict; not an error
// condition from the caller's perspective, just a "try later" signal.
var ErrBusy = errors.New("archive is leased by another worker")

const rejectedSuffix = "-rejected"

// Archive describes one listed blob and its last-modified time, used by the
// coordinator to apply the grace-window skip.
type Archive struct {
	FileName     string
	LastModified time.Time
	Size         int64
}

// Gateway is the Blob Store Gateway: S3 for archive bytes, DynamoDB for
// short-lived exclusive leases.
type Gateway struct {
	s3          *s3.Client
	dynamo      *dynamodb.Client
	leaseTable  string
	inputBuckets []string
}

// New builds a Gateway over cfg's input containers (buckets), using
// leaseTable to coordinate exclusive leases across replicas.
func New(cfg aws.Config, inputBuckets []string, leaseTable string, opts ...func(*s3.Options)) *Gateway {
	return &Gateway{
		s3:           s3.NewFromConfig(cfg, opts...),
		dynamo:       dynamodb.NewFromConfig(cfg),
		leaseTable:   leaseTable,
		inputBuckets: inputBuckets,
	}
}

// ListContainers returns the configured input containers.
func (g *Gateway) ListContainers() []string {
	out := make([]string, len(g.inputBuckets))
	copy(out, g.inputBuckets)
	return out
}

// ListArchives lists every object key in container, shuffled to reduce
// lease contention across concurrently ticking coordinator replicas.
func (g *Gateway) ListArchives(ctx context.Context, container string) ([]Archive, error) {
	var archives []Archive
	var token *string
	for {
		out, err := g.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(container),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("listing container %s: %w", container, err)
		}
		for _, obj := range out.Contents {
			lastModified := time.Time{}
			if obj.LastModified != nil {
				lastModified = *obj.LastModified
			}
			size := int64(0)
			if obj.Size != nil {
				size = *obj.Size
			}
			archives = append(archives, Archive{FileName: aws.ToString(obj.Key), LastModified: lastModified, Size: size})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}

	rand.Shuffle(len(archives), func(i, j int) { archives[i], archives[j] = archives[j], archives[i] })
	return archives, nil
}

type leaseItem struct {
	Container string `dynamodbav:"container"`
	FileName  string `dynamodbav:"file_name"`
	Token     string `dynamodbav:"token"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
}

// AcquireLease attempts to claim (container, name) exclusively for ttl. On
// conflict with a still-live lease it returns ErrBusy, not an error.
func (g *Gateway) AcquireLease(ctx context.Context, container, name string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	now := time.Now().UTC()
	item, err := attributevalue.MarshalMap(leaseItem{
		Container: container,
		FileName:  name,
		Token:     token,
		ExpiresAt: now.Add(ttl).UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("marshalling lease item: %w", err)
	}

	_, err = g.dynamo.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(g.leaseTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(file_name) OR expires_at < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.UnixMilli())},
		},
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return "", ErrBusy
		}
		return "", fmt.Errorf("acquiring lease: %w", err)
	}
	return token, nil
}

// OpenRead returns a stream over the archive's bytes and its size.
func (g *Gateway) OpenRead(ctx context.Context, container, name string) (io.ReadCloser, int64, error) {
	out, err := g.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(name),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("opening %s/%s: %w", container, name, err)
	}
	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

// DeleteIfExists removes the archive; a missing object is not an error.
func (g *Gateway) DeleteIfExists(ctx context.Context, container, name string) error {
	_, err := g.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", container, name, err)
	}
	return nil
}

// MoveToRejected copies the archive to "<container>-rejected" (overwriting
// any same-named blob there), then deletes the source.
func (g *Gateway) MoveToRejected(ctx context.Context, container, name string) error {
	dest := container + rejectedSuffix
	_, err := g.s3.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dest),
		Key:        aws.String(name),
		CopySource: aws.String(fmt.Sprintf("%s/%s", container, name)),
	})
	if err != nil {
		return fmt.Errorf("copying %s/%s to %s: %w", container, name, dest, err)
	}
	return g.DeleteIfExists(ctx, container, name)
}
