package domain

import "path"

// Root of all sessions in the store.
const GamesPath = "games"

func SessionPath(pin string) string {
	return path.Join(GamesPath, pin)
}

func PlayersPath(pin string) string {
	return path.Join(SessionPath(pin), "players")
}

func PlayerPath(pin, playerID string) string {
	return path.Join(PlayersPath(pin), playerID)
}

func QuestionsPath(pin string) string {
	return path.Join(SessionPath(pin), "questions")
}

func CurrentQuestionPath(pin string) string {
	return path.Join(SessionPath(pin), "currentQuestion")
}

func AnswersPath(pin string) string {
	return path.Join(CurrentQuestionPath(pin), "answers")
}

func AnswerPath(pin, playerID string) string {
	return path.Join(AnswersPath(pin), playerID)
}
