package crf

import "math"

// Viterbi finds the best label sequence using the Viterbi algorithm (log-domain).
// Among equally scored predecessors the lowest label id wins. An empty
// sequence yields an empty path with score 0.
func Viterbi(stateScores, transScores [][]float64) ([]int, float64) {
	T := len(stateScores)
	if T == 0 {
		return []int{}, 0
	}
	L := len(stateScores[0])

	score := newMatrix(T, L)
	back := make([][]int, T)
	for t := range T {
		back[t] = make([]int, L)
	}
	path := make([]int, T)
	best := viterbi(stateScores, transScores, score, back, path)
	return path, best
}

// viterbi fills score and back, writes the best path into path and returns its score.
func viterbi(state, trans, score [][]float64, back [][]int, path []int) float64 {
	T := len(state)
	if T == 0 {
		return 0
	}
	L := len(state[0])

	// score[t][y] = best score ending at time t with label y
	for y := range L {
		score[0][y] = state[0][y]
		back[0][y] = 0
	}

	for t := 1; t < T; t++ {
		for y := range L {
			bestScore := math.Inf(-1)
			bestPrev := 0
			for yp := range L {
				s := score[t-1][yp] + trans[yp][y]
				if s > bestScore {
					bestScore = s
					bestPrev = yp
				}
			}
			score[t][y] = bestScore + state[t][y]
			back[t][y] = bestPrev
		}
	}

	bestScore := math.Inf(-1)
	bestLabel := 0
	for y := range L {
		if score[T-1][y] > bestScore {
			bestScore = score[T-1][y]
			bestLabel = y
		}
	}

	// Backtrack
	path[T-1] = bestLabel
	for t := T - 2; t >= 0; t-- {
		path[t] = back[t+1][path[t+1]]
	}
	return bestScore
}
