package config

import "fmt"

// KeyPrefix namespaces every Redis key this service owns.
const KeyPrefix = "proctor:"

// WorkerQueues names the Redis lists drained by the persistence workers.
type WorkerQueues struct {
	PersistEventsQueue   string
	PersistAnswersQueue  string
	PersistFinalizeQueue string
	PersistFlagsQueue    string
}

var WorkerKey = WorkerQueues{
	PersistEventsQueue:   KeyPrefix + "queue:events",
	PersistAnswersQueue:  KeyPrefix + "queue:answers",
	PersistFinalizeQueue: KeyPrefix + "queue:finalize",
	PersistFlagsQueue:    KeyPrefix + "queue:flags",
}

// CacheKeys builds per-entity Redis keys.
type CacheKeys struct{}

var CacheKey CacheKeys

// AttemptAnswersKey is the hash of autosaved answers, field per question.
func (CacheKeys) AttemptAnswersKey(attemptID string) string {
	return fmt.Sprintf("%sattempt:%s:answers", KeyPrefix, attemptID)
}

func (CacheKeys) AttemptFlagsKey(attemptID string) string {
	return fmt.Sprintf("%sattempt:%s:flags", KeyPrefix, attemptID)
}

// AttemptProctorChannel is the pub/sub channel proctors push warnings on.
func (CacheKeys) AttemptProctorChannel(attemptID string) string {
	return fmt.Sprintf("%sattempt:%s:proctor", KeyPrefix, attemptID)
}

func (CacheKeys) QuizPayloadKey(quizID string) string {
	return fmt.Sprintf("%squiz:%s", KeyPrefix, quizID)
}

// ParticipantSessionKey holds the token ID of the participant's active device.
func (CacheKeys) ParticipantSessionKey(participantID string) string {
	return fmt.Sprintf("%sparticipant:%s:session", KeyPrefix, participantID)
}
