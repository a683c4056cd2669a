package activitypub

import (
	"context"
	"fmt"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrPollVote describes why a vote was not recorded.
type ErrPollVote struct {
	Reason string
}

func (e *ErrPollVote) Error() string {
	return "vote rejected: " + e.Reason
}

// extractPoll turns the options of a Question into a poll. Other post types
// have none.
func extractPoll(note *Note) *domain.Poll {
	if note.Type != "Question" {
		return nil
	}
	options, multiple := note.OneOf, false
	if len(note.AnyOf) > 0 {
		options, multiple = note.AnyOf, true
	}
	if len(options) == 0 {
		return nil
	}

	poll := &domain.Poll{Multiple: multiple}
	for _, o := range options {
		poll.Choices = append(poll.Choices, domain.PollChoice{Text: o.Name, Votes: o.Replies.TotalItems})
	}
	poll.ExpiresAt = parseTime(note.EndTime)
	if poll.ExpiresAt == nil {
		poll.ExpiresAt = parseTime(note.Closed)
	}
	return poll
}

// vote records voter's choice on note's poll. Expired polls, unknown choices
// and repeated votes on single-choice polls are *ErrPollVote.
func (f *Federator) vote(ctx context.Context, voter *domain.Account, note *domain.Note, choice int) error {
	poll := note.Poll
	if poll == nil {
		return &ErrPollVote{Reason: "note has no poll"}
	}
	if poll.Expired(f.now()) {
		return &ErrPollVote{Reason: "poll is expired"}
	}
	if choice < 0 || choice >= len(poll.Choices) {
		return &ErrPollVote{Reason: "invalid choice"}
	}

	votes, err := f.store.ReadPollVotes(ctx, note.Id, voter.Id)
	if err != nil {
		return fmt.Errorf("failed to read votes: %w", err)
	}
	for _, v := range votes {
		if !poll.Multiple {
			return &ErrPollVote{Reason: "already voted"}
		}
		if v.Choice == choice {
			return &ErrPollVote{Reason: "already voted for this choice"}
		}
	}

	if err := f.store.CreatePollVote(ctx, &domain.PollVote{
		Id:        uuid.New(),
		NoteId:    note.Id,
		AccountId: voter.Id,
		Choice:    choice,
		CreatedAt: f.now(),
	}); err != nil {
		return fmt.Errorf("failed to store vote: %w", err)
	}

	poll.Choices[choice].Votes++
	if err := f.store.UpdateNotePoll(ctx, note.Id, poll); err != nil {
		return fmt.Errorf("failed to update poll: %w", err)
	}
	f.publisher.Publish("pollVoted", map[string]any{"noteId": note.Id.String(), "choice": choice, "userId": voter.Id.String()})
	return nil
}

// voteByReply counts a reply whose name picks a choice of the replied poll.
// Such a reply never becomes a note of its own.
func (f *Federator) voteByReply(ctx context.Context, author *domain.Account, reply *domain.Note, name string) {
	log := f.log.Named("note")
	if reply.Poll.Expired(f.now()) {
		log.Warn("Vote to expired poll", zap.String("note", reply.Id.String()), zap.String("voter", author.Acct()))
		return
	}
	idx := reply.Poll.ChoiceIndex(name)
	if idx < 0 {
		return
	}
	if err := f.vote(ctx, author, reply, idx); err != nil {
		log.Info("Vote not recorded", zap.String("note", reply.Id.String()), zap.Error(err))
		return
	}
	if reply.IsLocal() {
		if err := f.DeliverQuestionUpdate(ctx, reply.Id); err != nil {
			log.Warn("Failed to deliver poll update", zap.String("note", reply.Id.String()), zap.Error(err))
		}
	}
}

// updateQuestion copies the remote vote counts of a Question into the stored poll.
func (f *Federator) updateQuestion(ctx context.Context, stored *domain.Note, question *Note) error {
	if stored.Poll == nil {
		return nil
	}
	remote := extractPoll(question)
	if remote == nil {
		return nil
	}
	changed := false
	for i := range stored.Poll.Choices {
		for _, rc := range remote.Choices {
			if rc.Text == stored.Poll.Choices[i].Text && rc.Votes != stored.Poll.Choices[i].Votes {
				stored.Poll.Choices[i].Votes = rc.Votes
				changed = true
			}
		}
	}
	if !changed {
		return nil
	}
	return f.store.UpdateNotePoll(ctx, stored.Id, stored.Poll)
}
