package filestore

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	fserr "github.com/bleepstore/s3filestore/internal/errors"
	"github.com/bleepstore/s3filestore/internal/retry"
	"github.com/bleepstore/s3filestore/internal/s3client"
)

// defaultRegion needs no location constraint on bucket creation.
const defaultRegion = "us-east-1"

// EnsureBucket creates the bucket if it does not exist. With server-side
// encryption enabled a new bucket also gets a policy rejecting unencrypted
// uploads.
func (fs *FileStorage) EnsureBucket(ctx context.Context) error {
	bucket := fs.ns.Bucket()
	err := retry.ExecuteVoid(ctx, fs.exec, func(ctx context.Context, c s3client.S3API) error {
		_, err := c.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
		return err
	})
	if err == nil {
		return nil
	}
	if !fserr.IsBucketNotFound(err) {
		return fserr.Wrap(err, bucket)
	}

	region := fs.opts.Region
	if region == "" {
		region = defaultRegion
	}
	in := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if region != defaultRegion {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		}
	}
	err = retry.ExecuteVoid(ctx, fs.exec, func(ctx context.Context, c s3client.S3API) error {
		_, err := c.CreateBucket(ctx, in)
		return err
	})
	switch {
	case err == nil:
		fs.logger.Info("Bucket created", "region", region)
	case fserr.HasCode(err, "BucketAlreadyOwnedByYou"):
		return nil
	case fserr.HasCode(err, "InvalidLocationConstraint"):
		return fserr.ErrBucketCreationFailed.
			WithMessage("Bucket %q could not be created in region %q", bucket, region).
			WithKey(bucket).
			WithExtra("region", region).
			Wrap(err)
	default:
		return fserr.Wrap(err, bucket)
	}

	if !fs.opts.ServerSideEncryption {
		return nil
	}
	policy, err := SSEOnlyBucketPolicy(bucket)
	if err != nil {
		return err
	}
	err = retry.ExecuteVoid(ctx, fs.exec, func(ctx context.Context, c s3client.S3API) error {
		_, err := c.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
			Bucket: aws.String(bucket),
			Policy: aws.String(policy),
		})
		return err
	})
	return fserr.Wrap(err, bucket)
}

// Ping checks that the bucket is reachable.
func (fs *FileStorage) Ping(ctx context.Context) error {
	bucket := fs.ns.Bucket()
	err := retry.ExecuteVoid(ctx, fs.exec, func(ctx context.Context, c s3client.S3API) error {
		_, err := c.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
		return err
	})
	return fserr.Wrap(err, bucket)
}

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Sid       string                       `json:"Sid"`
	Effect    string                       `json:"Effect"`
	Principal string                       `json:"Principal"`
	Action    string                       `json:"Action"`
	Resource  string                       `json:"Resource"`
	Condition map[string]map[string]string `json:"Condition"`
}

// SSEOnlyBucketPolicy returns a bucket policy denying every PutObject that
// does not request AES256 server-side encryption.
func SSEOnlyBucketPolicy(bucket string) (string, error) {
	resource := "arn:aws:s3:::" + bucket + "/*"
	doc := policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{
			{
				Sid:       "DenyIncorrectEncryptionHeader",
				Effect:    "Deny",
				Principal: "*",
				Action:    "s3:PutObject",
				Resource:  resource,
				Condition: map[string]map[string]string{
					"StringNotEquals": {"s3:x-amz-server-side-encryption": "AES256"},
				},
			},
			{
				Sid:       "DenyUnEncryptedObjectUploads",
				Effect:    "Deny",
				Principal: "*",
				Action:    "s3:PutObject",
				Resource:  resource,
				Condition: map[string]map[string]string{
					"Null": {"s3:x-amz-server-side-encryption": "true"},
				},
			},
		},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fserr.ErrInvalidArgument.WithMessage("encoding bucket policy: %s", err.Error()).Wrap(err)
	}
	return string(data), nil
}
