package slices

import (
	"encoding/json"
	"fmt"

	"hearth/pkg/domain"
)

// Slice binds a catalog key to the Go type of its value so readers and
// writers get compile-time shape checking.
type Slice[T any] struct {
	key Key
}

// Key returns the catalog key.
func (s Slice[T]) Key() Key { return s.key }

// Decode unmarshals raw into T.
func (s Slice[T]) Decode(raw []byte) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", s.key, err)
	}
	return v, nil
}

// Encode marshals v.
func (s Slice[T]) Encode(v T) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", s.key, err)
	}
	return raw, nil
}

func define[T any](key Key) Slice[T] {
	if _, ok := byKey[key]; !ok {
		panic(fmt.Sprintf("slices: %q is not in the catalog", key))
	}
	return Slice[T]{key: key}
}

// Typed slice descriptors for every catalog entry.
var (
	Tasks                = define[[]domain.Task](KeyTasks)
	Habits               = define[[]domain.Habit](KeyHabits)
	ShoppingItems        = define[[]domain.ShoppingItem](KeyShoppingItems)
	CalendarEvents       = define[[]domain.CalendarEvent](KeyCalendarEvents)
	Settings             = define[domain.Settings](KeySettings)
	LastSyncedAt         = define[*string](KeyLastSyncedAt)
	WorkoutPlans         = define[[]domain.WorkoutPlan](KeyWorkoutPlans)
	WorkoutHistory       = define[[]domain.WorkoutSession](KeyWorkoutHistory)
	JournalEntries       = define[[]domain.JournalEntry](KeyJournalEntries)
	JournalDrafts        = define[map[string]domain.JournalDraft](KeyJournalDrafts)
	JournalPromptHistory = define[[]string](KeyJournalPromptHistory)
	MoodLogs             = define[[]domain.MoodLog](KeyMoodLogs)
	Affirmations         = define[[]domain.Affirmation](KeyAffirmations)
	InsightCache         = define[map[string]domain.Insight](KeyInsightCache)
	SwingAnalyses        = define[[]domain.SwingAnalysis](KeySwingAnalyses)
)
