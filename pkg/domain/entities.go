// Package domain defines the value types stored in hearth slices and the
// storage engine contract shared by the persistence backends.
package domain

import "time"

// Task is a to-do item.
type Task struct {
	ID        int64      `json:"id"`
	Text      string     `json:"text"`
	Done      bool       `json:"done,omitempty"`
	Priority  string     `json:"priority,omitempty"`
	DueDate   string     `json:"dueDate,omitempty"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

// Habit is a recurring behaviour tracked per day.
type Habit struct {
	ID             int64    `json:"id"`
	Name           string   `json:"name"`
	Streak         int      `json:"streak,omitempty"`
	CompletedDates []string `json:"completedDates,omitempty"`
}

// ShoppingItem is one entry on the shopping list.
type ShoppingItem struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Quantity string `json:"quantity,omitempty"`
	Category string `json:"category,omitempty"`
	Checked  bool   `json:"checked,omitempty"`
}

// CalendarEvent is a scheduled event.
type CalendarEvent struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	Date  string `json:"date"`
	Time  string `json:"time,omitempty"`
	Notes string `json:"notes,omitempty"`
}

// Exercise is a single movement inside a workout plan.
type Exercise struct {
	Name   string  `json:"name"`
	Sets   int     `json:"sets,omitempty"`
	Reps   int     `json:"reps,omitempty"`
	Weight float64 `json:"weight,omitempty"`
}

// WorkoutPlan is a named, reusable list of exercises.
type WorkoutPlan struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Exercises []Exercise `json:"exercises"`
}

// WorkoutSession records one completed workout.
type WorkoutSession struct {
	ID              int64      `json:"id"`
	PlanID          int64      `json:"planId,omitempty"`
	Date            string     `json:"date"`
	DurationMinutes int        `json:"durationMinutes,omitempty"`
	Exercises       []Exercise `json:"exercises,omitempty"`
}

// JournalEntry is a saved journal page.
type JournalEntry struct {
	ID     int64    `json:"id"`
	Date   string   `json:"date"`
	Prompt string   `json:"prompt,omitempty"`
	Text   string   `json:"text"`
	Mood   string   `json:"mood,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

// JournalDraft is unsaved journal text keyed by date.
type JournalDraft struct {
	Date string `json:"date"`
	Text string `json:"text"`
}

// MoodLog records a mood rating at a point in time.
type MoodLog struct {
	Date   string `json:"date"`
	Rating int    `json:"rating"`
	Note   string `json:"note,omitempty"`
}

// Insight is a cached generated insight for a feature area.
type Insight struct {
	Topic       string `json:"topic"`
	Text        string `json:"text"`
	GeneratedAt string `json:"generatedAt,omitempty"`
}

// SwingAnalysis caches the summary of a recorded swing analysis.
type SwingAnalysis struct {
	ID       int64    `json:"id"`
	Date     string   `json:"date"`
	Score    float64  `json:"score,omitempty"`
	Feedback []string `json:"feedback,omitempty"`
}

// Affirmation is a saved affirmation.
type Affirmation struct {
	ID       int64  `json:"id"`
	Text     string `json:"text"`
	Favorite bool   `json:"favorite,omitempty"`
}

// Settings holds the application-wide preference flags.
type Settings struct {
	DarkMode             bool   `json:"darkMode"`
	BiometricLock        bool   `json:"biometricLock"`
	NotificationsEnabled bool   `json:"notificationsEnabled"`
	AmbientTheme         bool   `json:"ambientTheme,omitempty"`
	DisplayName          string `json:"displayName,omitempty"`
}
