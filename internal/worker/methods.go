// internal/worker/methods.go
package worker

// allowedMethods are the account methods served by name. Anything else is
// either a built-in gateway method or dropped.
var allowedMethods = toSet(
	"getMe",
	"showUsername",
	"hideUsername",
	"reorderUsernames",
	"hideUsernames",
	"getBusinessConnection",
	"sendMessage",
	"sendPhoto",
	"sendDocument",
	"sendSticker",
	"sendVideo",
	"sendAnimation",
	"sendVoice",
	"sendAudio",
	"sendVideoNote",
	"sendLocation",
	"sendContact",
	"sendDice",
	"sendVenue",
	"sendPoll",
	"editMessageText",
	"editInlineMessageText",
	"editMessageReplyMarkup",
	"editInlineMessageReplyMarkup",
	"editMessageLiveLocation",
	"editInlineMessageLiveLocation",
	"getMessages",
	"getMessage",
	"deleteMessages",
	"deleteMessage",
	"deleteChatMemberMessages",
	"pinMessage",
	"unpinMessage",
	"unpinMessages",
	"forwardMessages",
	"forwardMessage",
	"stopPoll",
	"sendChatAction",
	"searchMessages",
	"getCustomEmojiStickers",
	"getChat",
	"getHistory",
	"setAvailableReactions",
	"setChatPhoto",
	"deleteChatPhoto",
	"banChatMember",
	"unbanChatMember",
	"kickChatMember",
	"setChatMemberRights",
	"getChatAdministrators",
	"enableJoinRequests",
	"disableJoinRequests",
	"getInactiveChats",
	"getCreatedInviteLinks",
	"joinChat",
	"leaveChat",
	"getChatMember",
	"setChatStickerSet",
	"deleteChatStickerSet",
	"setBoostsRequiredToCircumventRestrictions",
	"createInviteLink",
	"answerCallbackQuery",
	"answerInlineQuery",
	"setMyDescription",
	"setMyName",
	"setMyShortDescription",
	"getMyDescription",
	"getMyName",
	"getMyShortDescription",
	"setMyCommands",
	"getMyCommands",
	"setReactions",
	"addReaction",
	"removeReaction",
	"getStories",
	"getStory",
	"deleteStories",
	"deleteStory",
	"addStoriesToHighlights",
	"addStoryToHighlights",
	"removeStoriesFromHighlights",
	"removeStoryFromHighlights",
	"blockUser",
	"unblockUser",
)

// deniedFunctions may not be sent through invoke: connection wrappers,
// authorization, raw file transfer, and the update and webhook controls the
// gateway itself drives.
var deniedFunctions = toSet(
	"invokeAfterMsg",
	"invokeAfterMsgs",
	"initConnection",
	"invokeWithLayer",
	"invokeWithoutUpdates",
	"invokeWithMessagesRange",
	"invokeWithTakeout",

	"auth.sendCode",
	"auth.signUp",
	"auth.signIn",
	"auth.logOut",
	"auth.resetAuthorizations",
	"auth.exportAuthorization",
	"auth.importAuthorization",
	"auth.bindTempAuthKey",
	"auth.importBotAuthorization",
	"auth.checkPassword",
	"auth.requestPasswordRecovery",
	"auth.recoverPassword",
	"auth.resendCode",
	"auth.cancelCode",
	"auth.dropTempAuthKeys",
	"auth.exportLoginToken",
	"auth.importLoginToken",
	"auth.acceptLoginToken",
	"auth.checkRecoveryPassword",
	"auth.importWebTokenAuthorization",
	"auth.requestFirebaseSms",
	"auth.resetLoginEmail",

	"upload.saveFilePart",
	"upload.getFile",
	"upload.saveBigFilePart",
	"upload.getWebFile",
	"upload.getCdnFile",
	"upload.reuploadCdnFile",
	"upload.getCdnFileHashes",
	"upload.getFileHashes",

	"getUpdates",
	"setWebhook",
	"deleteWebhook",
	"getWebhookInfo",
	"logOut",
	"close",
)

// transportFunctions are session-layer primitives of the wire protocol.
var transportFunctions = toSet(
	"req_pq",
	"req_pq_multi",
	"req_DH_params",
	"set_client_DH_params",
	"rpc_drop_answer",
	"get_future_salts",
	"ping_delay_disconnect",
	"destroy_session",
	"destroy_auth_key",
	"http_wait",
	"msgs_ack",
	"msgs_state_req",
	"msg_resend_req",
	"msgs_all_info",
)

func toSet(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// IsAllowedMethod reports whether method may be served by name.
func IsAllowedMethod(method string) bool {
	_, ok := allowedMethods[method]
	return ok
}

// IsFunctionAllowed reports whether a raw function may be invoked. ping is
// always allowed; denied functions and transport primitives never are.
func IsFunctionAllowed(name string) bool {
	if name == "ping" {
		return true
	}
	if _, denied := deniedFunctions[name]; denied {
		return false
	}
	_, transport := transportFunctions[name]
	return !transport
}
