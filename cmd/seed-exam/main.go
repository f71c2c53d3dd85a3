package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/database"
	"github.com/stemsi/exstem-session/internal/logger"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/repository"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	var (
		students    int
		password    string
		duration    int
		windowHours int
	)
	flag.IntVar(&students, "students", 20, "Number of demo students to create")
	flag.StringVar(&password, "password", "stemsijaya", "Password for every demo student")
	flag.IntVar(&duration, "duration", 90, "Exam duration in minutes")
	flag.IntVar(&windowHours, "window", 24, "Hours the exam stays open, starting now")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	examRepo := repository.NewExamRepository(pool)
	studentRepo := repository.NewStudentRepository(pool)

	// ─── Exam ──────────────────────────────────────────────────────────
	start := time.Now().Add(-time.Minute).Truncate(time.Minute)
	exam := demoExam(start, time.Duration(windowHours)*time.Hour, duration)
	if err := exam.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Demo exam is invalid")
	}
	if err := examRepo.CreateDefinition(ctx, exam); err != nil {
		log.Fatal().Err(err).Msg("Failed to create exam")
	}
	fmt.Printf("Created exam %q with ID: %s\n", exam.Title, exam.ID)
	fmt.Printf("Open %s until %s, %d minutes per session\n",
		exam.WindowStart.Format(time.RFC3339), exam.WindowEnd.Format(time.RFC3339), exam.DurationMinutes)

	// ─── Students ──────────────────────────────────────────────────────
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cfg.BcryptCost)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to hash password")
	}

	fmt.Printf("=== Seeding %d Students ===\n", students)

	successCount := 0
	for i := 0; i < students; i++ {
		student := &model.Student{
			NISN:         fmt.Sprintf("00%08d", i+1),
			Name:         names[i%len(names)],
			PasswordHash: string(hash),
		}

		err := studentRepo.Create(ctx, student)
		switch {
		case errors.Is(err, repository.ErrDuplicateNISN):
			successCount++
		case err != nil:
			fmt.Printf("Error creating student %s (NISN: %s): %v\n", student.Name, student.NISN, err)
		default:
			successCount++
			if (i+1)%10 == 0 {
				fmt.Printf("Created %d students...\n", i+1)
			}
		}
	}

	fmt.Printf("\nSeed completed! %d/%d students ready (NISN 0000000001..., password %q).\n", successCount, students, password)
}

var names = []string{
	"Budi Santoso", "Siti Aminah", "Andi Pratama", "Rina Wati", "Joko Susilo",
	"Ayu Lestari", "Dodi Kusuma", "Eka Putri", "Fahri Hamzah", "Gita Savitri",
	"Hendra Gunawan", "Ika Sari", "Lukman Hakim", "Maya Septiana", "Nanda Pratama",
	"Putri Dian", "Rafi Ahmad", "Toni Setiawan", "Wahyu Hidayat", "Zaki Anwar",
}

func boolPtr(b bool) *bool { return &b }

func choice(text string, correct bool) model.Option {
	return model.Option{Text: text, IsCorrect: boolPtr(correct)}
}

func demoExam(start time.Time, window time.Duration, minutes int) *model.ExamDefinition {
	return &model.ExamDefinition{
		Title:           "Ujian Demo IPA",
		DurationMinutes: minutes,
		WindowStart:     start,
		WindowEnd:       start.Add(window),
		IsActive:        true,
		Questions: []model.Question{
			{
				Order: 1, Type: model.QuestionTypeMultipleChoice, Marks: 2,
				Text: "Planet terbesar di tata surya adalah...",
				Options: []model.Option{
					choice("Mars", false), choice("Jupiter", true), choice("Saturnus", false), choice("Bumi", false),
				},
			},
			{
				Order: 2, Type: model.QuestionTypeMultipleChoice, Marks: 2,
				Text: "Satuan SI untuk gaya adalah...",
				Options: []model.Option{
					choice("Joule", false), choice("Watt", false), choice("Newton", true), choice("Pascal", false),
				},
			},
			{
				Order: 3, Type: model.QuestionTypeTrueFalse, Marks: 1,
				Text: "Air mendidih pada 100 °C di tekanan 1 atm.",
				Options: []model.Option{
					choice("Benar", true), choice("Salah", false),
				},
			},
			{
				Order: 4, Type: model.QuestionTypeTrueFalse, Marks: 1,
				Text: "Bulan memancarkan cahayanya sendiri.",
				Options: []model.Option{
					choice("Benar", false), choice("Salah", true),
				},
			},
			{
				Order: 5, Type: model.QuestionTypeEssay, Marks: 4,
				Text: "Jelaskan proses fotosintesis secara singkat.",
			},
		},
	}
}
