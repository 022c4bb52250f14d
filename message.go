package main

const (
	MsgWelcome = "Jackfruit ripeness API is running!"

	MsgNoPredictions = "No jackfruit detected in the image."

	MsgServerStopped = "Server stopped"
)
