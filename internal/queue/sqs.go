// Package queue wraps the SQS task/result queue pair that the remote
// executor and worker server use to hand work back and forth, grounded
// on the original implementation's RemoteSQSExecutor polling loop.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/sirupsen/logrus"
)

// pollInterval matches the original RemoteSQSExecutor's 2-second sleep
// between result-queue polls.
const pollInterval = 2 * time.Second

// Message is one task or result envelope moving through a queue, keyed
// by the same (definition_hash, dependency_hash) pair the backend uses
// to key stage-run records.
type Message struct {
	DefinitionHash string          `json:"definition_hash"`
	DependencyHash string          `json:"dependency_hash"`
	Body           json.RawMessage `json:"body"`
}

// Key returns the combined key the original implementation calls
// _await_queue_id: definition_hash + "__" + dependency_hash.
func (m Message) Key() string {
	return m.DefinitionHash + "__" + m.DependencyHash
}

// Queue is a thin SQS wrapper for one named queue.
type Queue struct {
	client   *sqs.Client
	queueURL string
	name     string
	log      *logrus.Entry
}

// New resolves or creates the named queue and returns a handle to it.
func New(ctx context.Context, client *sqs.Client, name string) (*Queue, error) {
	out, err := client.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String(name)})
	if err != nil {
		return nil, fmt.Errorf("queue: create/resolve %q: %w", name, err)
	}
	return &Queue{
		client:   client,
		queueURL: aws.ToString(out.QueueUrl),
		name:     name,
		log:      logrus.WithField("queue", name),
	}, nil
}

// Send pushes msg onto the queue, carrying its key components as
// message attributes so receivers can filter without deserializing the
// body first, matching the original's stage_config_hash/dependency_hash
// attribute pair.
func (q *Queue) Send(ctx context.Context, msg Message) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(msg.Body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"stage_config_hash": {DataType: aws.String("String"), StringValue: aws.String(msg.DefinitionHash)},
			"dependency_hash":   {DataType: aws.String("String"), StringValue: aws.String(msg.DependencyHash)},
		},
	})
	if err != nil {
		return fmt.Errorf("queue: send to %q: %w", q.name, err)
	}
	q.log.WithFields(logrus.Fields{
		"definition_hash": msg.DefinitionHash,
		"dependency_hash": msg.DependencyHash,
	}).Debug("message sent")
	return nil
}

// received is one message pulled off SQS along with its receipt handle,
// needed to delete it once consumed.
type received struct {
	msg    Message
	handle string
}

// receiveOnce long-polls for up to 10 messages, returning whatever
// arrived (possibly none) with attributes decoded into Message.
func (q *Queue) receiveOnce(ctx context.Context) ([]received, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.queueURL),
		MaxNumberOfMessages:   10,
		WaitTimeSeconds:       1,
		MessageAttributeNames: []string{"stage_config_hash", "dependency_hash"},
	})
	if err != nil {
		return nil, fmt.Errorf("queue: receive from %q: %w", q.name, err)
	}
	results := make([]received, 0, len(out.Messages))
	for _, m := range out.Messages {
		defAttr, okDef := m.MessageAttributes["stage_config_hash"]
		depAttr, okDep := m.MessageAttributes["dependency_hash"]
		if !okDef || !okDep {
			q.log.Warn("message received without expected attributes, dropping")
			continue
		}
		results = append(results, received{
			msg: Message{
				DefinitionHash: aws.ToString(defAttr.StringValue),
				DependencyHash: aws.ToString(depAttr.StringValue),
				Body:           json.RawMessage(aws.ToString(m.Body)),
			},
			handle: aws.ToString(m.ReceiptHandle),
		})
	}
	return results, nil
}

// delete removes a consumed message by receipt handle.
func (q *Queue) delete(ctx context.Context, handle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(handle),
	})
	return err
}

// Poll runs handle for every message received until ctx is cancelled,
// sleeping pollInterval between empty polls and after a failed receive.
// handle has no error return; each message is deleted from the queue as
// soon as handle returns, and a failed delete is logged without stopping
// the loop.
func (q *Queue) Poll(ctx context.Context, handle func(Message)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msgs, err := q.receiveOnce(ctx)
		if err != nil {
			q.log.WithError(err).Warn("poll failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if len(msgs) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		for _, r := range msgs {
			handle(r.msg)
			if err := q.delete(ctx, r.handle); err != nil {
				q.log.WithError(err).Warn("failed to delete consumed message")
			}
		}
	}
}
